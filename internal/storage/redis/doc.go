// Package redis mirrors committed engine events into a Redis stream so that
// downstream consumers can follow the marketplace with XREAD.
package redis
