package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"locates-desk/internal/clock"
	"locates-desk/internal/config"
	"locates-desk/internal/metrics"
	"locates-desk/internal/venue"
)

// State 为会话认证状态。
type State string

const (
	StateUnknown          State = "unknown"
	StateChecking         State = "checking"
	StateAuthenticated    State = "authenticated"
	StateChallengePending State = "challenge_pending"
	StateFailed           State = "failed"
)

const defaultCodeLength = 6

// LoginResult 为一次非阻塞登录的结果。
type LoginResult struct {
	Authenticated     bool `json:"authenticated"`
	ChallengeRequired bool `json:"challenge_required"`
}

// Status 为会话状态快照。
type Status struct {
	State              State     `json:"state"`
	Authenticated      bool      `json:"authenticated"`
	ChallengePending   bool      `json:"challenge_pending"`
	ChallengeID        string    `json:"challenge_id,omitempty"`
	ChallengeExpiresAt time.Time `json:"challenge_expires_at,omitempty"`
	CookieCount        int       `json:"cookie_count"`
}

// Option 定制 Authenticator。
type Option func(*Authenticator)

// WithClock 替换时间来源。
func WithClock(c clock.Clock) Option {
	return func(a *Authenticator) {
		if c != nil {
			a.clock = c
		}
	}
}

// Authenticator 持有唯一的站点会话：Cookie、认证状态与待完成的验证码上下文。
type Authenticator struct {
	venueCfg  config.VenueConfig
	cfg       config.SessionConfig
	doer      venue.Doer
	extractor *venue.Extractor
	store     CookieStore
	logger    *zap.Logger
	clock     clock.Clock

	// passMu 保证同一时刻只有一次探测/登录流程。
	passMu sync.Mutex

	mu           sync.Mutex
	state        State
	cookies      []string
	pending      *ChallengeContext
	waiters      []chan bool
	onTransition func(from, to State)
}

// NewAuthenticator 创建会话认证器，并从持久化存储中恢复 Cookie。
func NewAuthenticator(venueCfg config.VenueConfig, cfg config.SessionConfig, doer venue.Doer, extractor *venue.Extractor, store CookieStore, logger *zap.Logger, opts ...Option) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = venue.NewExtractor(venueCfg.Markers)
	}

	a := &Authenticator{
		venueCfg:  venueCfg,
		cfg:       cfg,
		doer:      doer,
		extractor: extractor,
		store:     store,
		logger:    logger,
		clock:     clock.Real{},
		state:     StateUnknown,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.cookies = a.bootstrapCookies()
	if store != nil {
		loaded, err := store.Load()
		switch {
		case err != nil:
			logger.Warn("加载持久化 Cookie 失败，使用初始 Cookie", zap.Error(err))
		case len(loaded) > 0:
			a.cookies = mergeCookies(a.cookies, loaded)
			logger.Info("已恢复持久化 Cookie", zap.Int("count", len(loaded)))
		}
	}
	metrics.SetAuthState(string(StateUnknown))

	return a
}

// OnTransition 注册状态变更回调，回调在锁外执行。
func (a *Authenticator) OnTransition(fn func(from, to State)) {
	a.mu.Lock()
	a.onTransition = fn
	a.mu.Unlock()
}

// EnsureAuthenticated 确保会话已登录。
// 探测超时被吞掉并返回 (false, nil)；allowChallenge 为 false 时遇到验证码直接返回 ErrChallengeRequired，
// 为 true 时发起验证并阻塞等待验证码、超时或 ctx 结束。
func (a *Authenticator) EnsureAuthenticated(ctx context.Context, allowChallenge bool) (bool, error) {
	res, err := a.pass(ctx, allowChallenge)
	if err != nil {
		return false, err
	}
	if res.Authenticated {
		return true, nil
	}
	if !res.ChallengeRequired {
		return false, nil
	}
	return a.awaitChallenge(ctx)
}

// Login 执行一次登录流程，需要验证码时发起验证但不等待。
func (a *Authenticator) Login(ctx context.Context) (LoginResult, error) {
	return a.pass(ctx, true)
}

// SubmitChallengeCode 提交一次性验证码。格式不合法时不发起任何请求也不改变状态。
func (a *Authenticator) SubmitChallengeCode(ctx context.Context, code string) (bool, error) {
	if !validCode(code, a.codeLength()) {
		return false, ErrInvalidCode
	}

	now := a.clock.Now()
	a.mu.Lock()
	pending := a.pending
	if pending == nil || pending.expired(now) {
		a.pending = nil
		a.mu.Unlock()
		return false, ErrNoPendingChallenge
	}
	// 上下文只能被消费一次
	a.pending = nil
	cookies := append([]string(nil), a.cookies...)
	a.mu.Unlock()

	form := url.Values{}
	form.Set("authentication_code", code)
	form.Set("op", "Submit")
	form.Set("form_build_id", pending.FormToken)
	form.Set("form_id", pending.FormID)

	resp, err := a.doer.Do(ctx, venue.Request{
		Step:    "challenge_code",
		Method:  http.MethodPost,
		Path:    pending.ChallengeURL,
		Form:    form,
		Cookies: cookies,
		Referer: pending.ChallengeURL,
	})
	if err != nil {
		a.finishChallenge(false)
		return false, err
	}

	if !resp.IsRedirect() || len(resp.SetCookies) == 0 {
		a.logger.Warn("验证码被拒绝",
			zap.String("challenge_id", pending.ID),
			zap.Int("status", resp.Status),
		)
		a.finishChallenge(false)
		return false, nil
	}

	// 验证后的 Cookie 是独立的信任凭据，替换而不是追加
	a.mu.Lock()
	a.cookies = append(a.bootstrapCookies(), resp.SetCookies...)
	saved := append([]string(nil), a.cookies...)
	a.mu.Unlock()
	a.persist(saved)

	a.logger.Info("验证码校验通过", zap.String("challenge_id", pending.ID))
	a.finishChallenge(true)
	return true, nil
}

// Call 携带当前 Cookie 发起站点调用，并合并响应中的 Set-Cookie。
// 若站点返回登录页，重置会话并返回 venue.ErrNotAuthenticated。
func (a *Authenticator) Call(ctx context.Context, req venue.Request) (venue.Response, error) {
	req.Cookies = a.currentCookies()

	resp, err := a.doer.Do(ctx, req)
	if err != nil {
		return venue.Response{}, err
	}
	a.absorb(resp.SetCookies)

	if a.lostSession(resp) {
		a.invalidate()
		a.transition(StateFailed)
		a.logger.Warn("会话已失效",
			zap.String("step", req.Step),
			zap.Int("status", resp.Status),
			zap.String("location", resp.Location),
		)
		return resp, fmt.Errorf("session: %s: %w", req.Step, venue.ErrNotAuthenticated)
	}
	return resp, nil
}

// Reset 丢弃当前会话，回到初始 Cookie。
func (a *Authenticator) Reset() {
	a.invalidate()

	a.mu.Lock()
	a.pending = nil
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	for _, w := range waiters {
		w <- false
	}
	a.transition(StateUnknown)
	a.logger.Info("会话已重置")
}

// Snapshot 返回当前会话状态。
func (a *Authenticator) Snapshot() Status {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		State:         a.state,
		Authenticated: a.state == StateAuthenticated,
		CookieCount:   len(a.cookies),
	}
	if a.pending != nil && !a.pending.expired(now) {
		st.ChallengePending = true
		st.ChallengeID = a.pending.ID
		st.ChallengeExpiresAt = a.pending.ExpiresAt
	}
	return st
}

// Authenticated 返回当前是否处于已登录状态。
func (a *Authenticator) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateAuthenticated
}

func (a *Authenticator) pass(ctx context.Context, allowChallenge bool) (LoginResult, error) {
	a.passMu.Lock()
	defer a.passMu.Unlock()

	if a.livePending() == nil {
		a.transition(StateChecking)
	}

	probeTimeout := a.cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 20 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	probe, err := a.doer.Do(probeCtx, venue.Request{
		Step:    "probe",
		Method:  http.MethodGet,
		Path:    a.venueCfg.LandingPath,
		Cookies: a.currentCookies(),
	})
	cancel()
	if err != nil {
		if venue.IsTimeout(err) && ctx.Err() == nil {
			a.logger.Warn("登录探测超时，忽略", zap.Duration("timeout", probeTimeout))
			a.settle()
			return LoginResult{}, nil
		}
		a.settle()
		return LoginResult{}, err
	}
	a.absorb(probe.SetCookies)

	if probe.Status == http.StatusOK && a.extractor.IsAuthenticated(probe.Body) {
		a.markAuthenticated()
		return LoginResult{Authenticated: true}, nil
	}

	pending := a.livePending()
	if pending != nil || probe.IsRedirect() {
		if !allowChallenge {
			a.settle()
			return LoginResult{ChallengeRequired: true}, ErrChallengeRequired
		}
		if pending != nil {
			a.logger.Info("已有待完成的验证", zap.String("challenge_id", pending.ID))
			return LoginResult{ChallengeRequired: true}, nil
		}
	}

	tokens, err := a.loginTokens(ctx, probe)
	if err != nil {
		a.transition(StateFailed)
		return LoginResult{}, err
	}

	form := url.Values{}
	form.Set("name", a.venueCfg.Username)
	form.Set("pass", a.venueCfg.Password)
	form.Set("op", "Log in")
	tokens.Apply(form)

	login, err := a.doer.Do(ctx, venue.Request{
		Step:    "login",
		Method:  http.MethodPost,
		Path:    a.venueCfg.LoginPath,
		Form:    form,
		Cookies: a.currentCookies(),
	})
	if err != nil {
		a.transition(StateFailed)
		return LoginResult{}, err
	}
	a.absorb(login.SetCookies)

	if login.IsRedirect() && login.Location != "" {
		if !allowChallenge {
			a.transition(StateFailed)
			a.logger.Info("登录需要验证码，当前调用不发起验证")
			return LoginResult{ChallengeRequired: true}, ErrChallengeRequired
		}
		if err := a.startChallenge(ctx, login.Location, tokens); err != nil {
			a.transition(StateFailed)
			return LoginResult{}, err
		}
		return LoginResult{ChallengeRequired: true}, nil
	}

	if login.Status == http.StatusOK && a.extractor.IsAuthenticated(login.Body) {
		a.markAuthenticated()
		return LoginResult{Authenticated: true}, nil
	}

	a.transition(StateFailed)
	return LoginResult{}, &venue.StatusError{Step: "login", Status: login.Status}
}

// loginTokens 从探测页取登录表单 token；探测页不是登录表单时清空会话重新获取。
func (a *Authenticator) loginTokens(ctx context.Context, probe venue.Response) (venue.FormTokens, error) {
	if probe.Status == http.StatusOK && a.extractor.IsLoginForm(probe.Body) {
		a.invalidate()
		if tokens := a.extractor.FormTokens(probe.Body); tokens.BuildID != "" {
			return tokens, nil
		}
		return venue.FormTokens{}, venue.MissingTokenError("probe", "form_build_id")
	}

	a.invalidate()
	landing, err := a.doer.Do(ctx, venue.Request{
		Step:    "landing",
		Method:  http.MethodGet,
		Path:    a.venueCfg.LandingPath,
		Cookies: a.currentCookies(),
	})
	if err != nil {
		return venue.FormTokens{}, err
	}
	a.absorb(landing.SetCookies)
	if landing.Status != http.StatusOK {
		return venue.FormTokens{}, &venue.StatusError{Step: "landing", Status: landing.Status}
	}
	tokens := a.extractor.FormTokens(landing.Body)
	if tokens.BuildID == "" {
		return venue.FormTokens{}, venue.MissingTokenError("landing", "form_build_id")
	}
	return tokens, nil
}

func (a *Authenticator) startChallenge(ctx context.Context, location string, login venue.FormTokens) error {
	challengeType := a.cfg.ChallengeType
	if challengeType == "" {
		challengeType = "email"
	}

	form := url.Values{}
	form.Set("destination", "node")
	form.Set("authentication_type", challengeType)
	form.Set("op", "Submit")
	form.Set("form_build_id", login.BuildID)
	form.Set("form_id", challengeFormID)

	resp, err := a.doer.Do(ctx, venue.Request{
		Step:    "challenge_trigger",
		Method:  http.MethodPost,
		Path:    location,
		Form:    form,
		Cookies: a.currentCookies(),
		Referer: location,
	})
	if err != nil {
		return err
	}
	a.absorb(resp.SetCookies)
	if resp.Status != http.StatusOK {
		return &venue.StatusError{Step: "challenge_trigger", Status: resp.Status}
	}

	tokens := a.extractor.FormTokens(resp.Body)
	if tokens.BuildID == "" {
		return venue.MissingTokenError("challenge_trigger", "form_build_id")
	}
	formID := tokens.FormID
	if formID == "" {
		formID = challengeFormID
	}

	now := a.clock.Now()
	ttl := a.cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	pending := &ChallengeContext{
		ID:           uuid.NewString(),
		FormToken:    tokens.BuildID,
		FormID:       formID,
		ChallengeURL: location,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	a.mu.Lock()
	a.pending = pending
	a.mu.Unlock()
	a.transition(StateChallengePending)

	a.logger.Info("已发起一次性验证码",
		zap.String("challenge_id", pending.ID),
		zap.String("type", challengeType),
		zap.Time("expires_at", pending.ExpiresAt),
	)
	return nil
}

// awaitChallenge 等待验证码处理结果，不持有任何锁。
func (a *Authenticator) awaitChallenge(ctx context.Context) (bool, error) {
	ch := make(chan bool, 1)

	a.mu.Lock()
	if a.pending == nil {
		ok := a.state == StateAuthenticated
		a.mu.Unlock()
		if ok {
			return true, nil
		}
		return false, ErrChallengeFailed
	}
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	wait := a.cfg.ChallengeTimeout
	if wait <= 0 {
		wait = 45 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ok := <-ch:
		if ok {
			return true, nil
		}
		return false, ErrChallengeFailed
	case <-timer.C:
		if a.removeWaiter(ch) {
			// 待验证上下文保留到 challenge_ttl，迟到的验证码仍可通过接口提交
			a.logger.Warn("等待验证码超时", zap.Duration("timeout", wait))
			return false, ErrChallengeTimeout
		}
		// 超时与结果同时到达时以结果为准
		if ok := <-ch; ok {
			return true, nil
		}
		return false, ErrChallengeFailed
	case <-ctx.Done():
		if !a.removeWaiter(ch) {
			if ok := <-ch; ok {
				return true, nil
			}
		}
		return false, ctx.Err()
	}
}

// removeWaiter 移除等待者，返回 false 表示结果已经投递。
func (a *Authenticator) removeWaiter(ch chan bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.waiters {
		if w == ch {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Authenticator) finishChallenge(ok bool) {
	a.mu.Lock()
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	if ok {
		a.transition(StateAuthenticated)
	} else {
		a.transition(StateFailed)
	}
	for _, w := range waiters {
		w <- ok
	}
}

func (a *Authenticator) markAuthenticated() {
	a.mu.Lock()
	a.pending = nil
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	a.transition(StateAuthenticated)
	for _, w := range waiters {
		w <- true
	}
}

// settle 在未得出结论时收敛状态：有有效的待验证上下文则保持 challenge_pending，否则为 failed。
func (a *Authenticator) settle() {
	if a.livePending() != nil {
		a.transition(StateChallengePending)
		return
	}
	a.transition(StateFailed)
}

func (a *Authenticator) livePending() *ChallengeContext {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return nil
	}
	if a.pending.expired(now) {
		a.pending = nil
		return nil
	}
	return a.pending
}

func (a *Authenticator) transition(to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	hook := a.onTransition
	a.mu.Unlock()

	if from == to {
		return
	}
	metrics.SetAuthState(string(to))
	a.logger.Debug("会话状态变更", zap.String("from", string(from)), zap.String("to", string(to)))
	if hook != nil {
		hook(from, to)
	}
}

// invalidate 回到初始 Cookie 并删除持久化副本。
func (a *Authenticator) invalidate() {
	a.mu.Lock()
	a.cookies = a.bootstrapCookies()
	a.mu.Unlock()

	if a.store == nil {
		return
	}
	if err := a.store.Delete(); err != nil {
		a.logger.Warn("删除持久化 Cookie 失败", zap.Error(err))
	}
}

func (a *Authenticator) persist(cookies []string) {
	if a.store == nil {
		return
	}
	if err := a.store.Save(cookies); err != nil {
		a.logger.Warn("保存 Cookie 失败", zap.Error(err))
	}
}

func (a *Authenticator) absorb(setCookies []string) {
	if len(setCookies) == 0 {
		return
	}
	a.mu.Lock()
	a.cookies = mergeCookies(a.cookies, setCookies)
	a.mu.Unlock()
}

func (a *Authenticator) currentCookies() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cookies...)
}

func (a *Authenticator) bootstrapCookies() []string {
	if a.venueCfg.BootstrapCookie == "" {
		return nil
	}
	return []string{a.venueCfg.BootstrapCookie}
}

func (a *Authenticator) codeLength() int {
	if a.cfg.CodeLength > 0 {
		return a.cfg.CodeLength
	}
	return defaultCodeLength
}

func (a *Authenticator) lostSession(resp venue.Response) bool {
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return true
	}
	if resp.IsRedirect() {
		loc := resp.Location
		return strings.Contains(loc, "/user/login") ||
			(a.venueCfg.LoginPath != "" && strings.Contains(loc, a.venueCfg.LoginPath))
	}
	return resp.Status == http.StatusOK && a.extractor.IsLoginForm(resp.Body)
}
