// Package config 加载 auctiond 的启动配置：YAML 或 JSON 文件，
// 叠加 .env 与 AUCTION_* 环境变量，最后补全默认值并校验。
package config
