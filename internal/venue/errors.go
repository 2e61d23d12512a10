package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransportTimeout 表示请求在传输层超时，通常由上游挂起导致。
	ErrTransportTimeout = errors.New("venue transport timeout")
	// ErrNotAuthenticated 表示站点返回了登录页，当前会话已失效。
	ErrNotAuthenticated = errors.New("venue session not authenticated")
	// ErrTraderNotFound 表示交易员名称无法映射到站点内部 ID。
	ErrTraderNotFound = errors.New("trader not found")
	// ErrVenueRejected 涵盖非预期状态码或响应中缺少必要 token。
	ErrVenueRejected = errors.New("venue rejected request")
)

// StatusError 记录某一步骤返回的非预期状态码。
type StatusError struct {
	Step   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("venue: %s 返回非预期状态码 %d", e.Step, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrVenueRejected
}

// MissingTokenError 表示响应中找不到下一步需要的 token。
func MissingTokenError(step, token string) error {
	return fmt.Errorf("%w: %s 响应缺少 %s", ErrVenueRejected, step, token)
}

// IsTimeout 判断错误是否为传输层超时。
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTransportTimeout)
}

func classifyError(step string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTransportTimeout, step, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTransportTimeout, step, err)
	}
	return fmt.Errorf("venue: %s 请求失败: %w", step, err)
}
