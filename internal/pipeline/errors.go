package pipeline

import "errors"

var (
	// ErrNoPendingQuote 表示交易员没有未过期的报价可以确认。
	ErrNoPendingQuote = errors.New("no pending quote")
	// ErrInvalidRequest 表示请求参数不合法，未发送到站点。
	ErrInvalidRequest = errors.New("invalid quote request")
)
