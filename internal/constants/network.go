package constants

import "time"

// HTTP Client 连接池配置
const (
	BaseMaxIdleConns        = 4096
	BaseMaxIdleConnsPerHost = 256
	BaseIdleConnTimeout     = 90 * time.Second

	DefaultKeepAlive = 30 * time.Second
)

// HTTP 超时配置
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
)
