package session

import "errors"

var (
	// ErrChallengeRequired 表示需要一次性验证码，但当前调用不允许等待人工输入。
	ErrChallengeRequired = errors.New("one-time code challenge required")
	// ErrChallengeFailed 表示验证码被站点拒绝。
	ErrChallengeFailed = errors.New("one-time code rejected")
	// ErrChallengeTimeout 表示在期限内没有收到验证码。
	ErrChallengeTimeout = errors.New("one-time code not received in time")
	// ErrNoPendingChallenge 表示当前没有待完成的验证。
	ErrNoPendingChallenge = errors.New("no pending challenge")
	// ErrInvalidCode 表示验证码格式不合法，未发送到站点。
	ErrInvalidCode = errors.New("invalid one-time code format")
)
