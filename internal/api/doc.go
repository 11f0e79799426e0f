// Package api 暴露结算引擎的 HTTP JSON 接口：结算账户、任务拍卖、意图拍卖、
// 事件查询以及健康检查。调用者身份由 auth 中间件写入请求上下文。
package api
