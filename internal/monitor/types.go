package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventQuote     EventType = "quote"
	EventConfirm   EventType = "confirm"
	EventCancel    EventType = "cancel"
	EventEviction  EventType = "eviction"
	EventAuth      EventType = "auth"
	EventChallenge EventType = "challenge"
	EventError     EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderPayload 记录一次报价、确认或取消。
type OrderPayload struct {
	RequestID     int64   `json:"request_id,omitempty"`
	Trader        string  `json:"trader"`
	Symbol        string  `json:"symbol,omitempty"`
	Quantity      int     `json:"quantity,omitempty"`
	TotalCost     float64 `json:"total_cost,omitempty"`
	PricePerShare float64 `json:"price_per_share,omitempty"`
	Success       bool    `json:"success"`
	Error         string  `json:"error,omitempty"`
}

// EvictionPayload 记录超时未确认而被强制释放的请求。
type EvictionPayload struct {
	RequestID int64  `json:"request_id"`
	Trader    string `json:"trader"`
	Symbol    string `json:"symbol"`
	Quantity  int    `json:"quantity"`
}

// AuthPayload 记录会话状态变更。
type AuthPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ChallengePayload 记录验证码提交结果，不包含验证码本身。
type ChallengePayload struct {
	Trader  string `json:"trader,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
