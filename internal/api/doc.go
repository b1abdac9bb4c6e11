// Package api 组装 paygated 的 HTTP 入口：JSON-RPC 任务端点按
// 认证、限流、付款校验的顺序经过中间件链，另提供收据与收入查询接口。
package api
