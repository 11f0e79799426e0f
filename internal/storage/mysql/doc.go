// Package mysql persists committed engine events and transaction receipts in
// MySQL. The schema is managed by the embedded migrations under
// deploy/migrations and applied on startup.
package mysql
