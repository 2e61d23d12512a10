package session

import "time"

const challengeFormID = "bpm_two_factor_authentication_form"

// ChallengeContext 为提交一次性验证码所需的 token，只能被消费一次。
type ChallengeContext struct {
	ID           string
	FormToken    string
	FormID       string
	ChallengeURL string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (c *ChallengeContext) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// validCode 验证码必须是固定长度的纯数字。
func validCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
