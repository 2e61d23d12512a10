package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"locates-desk/internal/config"
	"locates-desk/internal/monitor"
	"locates-desk/internal/pipeline"
	"locates-desk/internal/queue"
	"locates-desk/internal/register"
	"locates-desk/internal/session"
	"locates-desk/internal/venue"
)

// Authenticator 为桌面服务依赖的会话能力。
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context, allowChallenge bool) (bool, error)
	Login(ctx context.Context) (session.LoginResult, error)
	SubmitChallengeCode(ctx context.Context, code string) (bool, error)
	Reset()
	Snapshot() session.Status
}

// OrderPipeline 为桌面服务依赖的下单流程。
type OrderPipeline interface {
	Quote(ctx context.Context, req pipeline.QuoteRequest) (pipeline.Quote, error)
	Stage(quote pipeline.Quote)
	Confirm(ctx context.Context, trader string) (venue.Prices, error)
	Cancel(trader string) bool
	KnownTraders() []pipeline.Trader
	Office() string
}

// PurchaseHistory 查询当日成交。
type PurchaseHistory interface {
	History(ctx context.Context, trader string) ([]register.Purchase, error)
	HistoryAll(ctx context.Context) (map[string][]register.Purchase, error)
}

// QuoteResponse 为报价结果，RequestID 用于后续确认或取消。
type QuoteResponse struct {
	RequestID     int64   `json:"request_id"`
	Trader        string  `json:"trader"`
	Symbol        string  `json:"symbol"`
	Quantity      int     `json:"quantity"`
	TotalCost     float64 `json:"total_cost"`
	PricePerShare float64 `json:"price_per_share"`
}

// Counters 为累计计数。
type Counters struct {
	queue.Stats
	QuotesOK       int64 `json:"quotes_ok"`
	QuotesFailed   int64 `json:"quotes_failed"`
	ConfirmsOK     int64 `json:"confirms_ok"`
	ConfirmsFailed int64 `json:"confirms_failed"`
	Cancels        int64 `json:"cancels"`
}

// ServerStatus 为只读状态投影，每次调用重新计算。
type ServerStatus struct {
	Authenticated    bool              `json:"authenticated"`
	AuthState        session.State     `json:"auth_state"`
	ChallengePending bool              `json:"challenge_pending"`
	Office           string            `json:"office,omitempty"`
	Traders          []pipeline.Trader `json:"traders"`
	Queue            []queue.Entry     `json:"queue"`
	Counters         Counters          `json:"counters"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

type quoteOutcome struct {
	quote pipeline.Quote
	err   error
}

// Desk 串联队列、会话与下单流程，对外提供全部操作。
type Desk struct {
	cfg     config.DeskConfig
	auth    Authenticator
	pipe    OrderPipeline
	queue   *queue.Serializer
	history PurchaseHistory
	monitor *monitor.Service
	logger  *zap.Logger

	// quoted 记录已交付报价、等待确认或取消的请求 id
	quoted sync.Map

	quotesOK       atomic.Int64
	quotesFailed   atomic.Int64
	confirmsOK     atomic.Int64
	confirmsFailed atomic.Int64
	cancels        atomic.Int64
}

// NewDesk 创建桌面服务。monitor 可以为空。
func NewDesk(cfg config.DeskConfig, auth Authenticator, pipe OrderPipeline, q *queue.Serializer, history PurchaseHistory, mon *monitor.Service, logger *zap.Logger) *Desk {
	if logger == nil {
		logger = zap.NewNop()
	}
	if q == nil {
		q = queue.New(cfg.EvictionTimeout, logger)
	}

	d := &Desk{
		cfg:     cfg,
		auth:    auth,
		pipe:    pipe,
		queue:   q,
		history: history,
		monitor: mon,
		logger:  logger,
	}

	q.OnEvict(func(e queue.Entry) {
		// 被淘汰的报价不能再被确认
		d.quoted.Delete(e.ID)
		pipe.Cancel(e.Trader)
		mon.RecordEviction(context.Background(), monitor.EvictionPayload{
			RequestID: e.ID,
			Trader:    e.Trader,
			Symbol:    e.Symbol,
			Quantity:  e.Quantity,
		})
	})

	return d
}

// RequestQuote 排队执行报价。调用方超时或取消时释放队列位置，但不会中断已发往站点的请求；
// 被放弃的请求结果不会被保存。
func (d *Desk) RequestQuote(ctx context.Context, trader, symbol string, quantity int) (QuoteResponse, error) {
	trader = register.TraderKey(trader)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if trader == "" || symbol == "" || quantity <= 0 {
		return QuoteResponse{}, fmt.Errorf("%w: trader、symbol 不能为空且数量必须大于0", pipeline.ErrInvalidRequest)
	}

	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	results := make(chan quoteOutcome, 1)
	meta := queue.Meta{Trader: trader, Symbol: symbol, Quantity: quantity}
	id := d.queue.Enqueue(meta, queue.Job{
		Run: func() {
			quote, err := d.runQuote(meta)
			results <- quoteOutcome{quote: quote, err: err}
		},
		Drop: func() {
			results <- quoteOutcome{err: fmt.Errorf("app: 请求在执行前被移出队列: %w", queue.ErrQueueEntryNotFound)}
		},
	})

	var out quoteOutcome
	select {
	case out = <-results:
	case <-ctx.Done():
		d.queue.Release(id)
		d.quotesFailed.Add(1)
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: 等待报价超时: %v", venue.ErrTransportTimeout, err)
		}
		d.logger.Warn("报价请求已放弃", zap.Int64("id", id), zap.String("trader", trader), zap.Error(err))
		d.monitor.RecordQuote(context.Background(), monitor.OrderPayload{
			RequestID: id, Trader: trader, Symbol: symbol, Quantity: quantity, Error: err.Error(),
		})
		return QuoteResponse{}, err
	}

	if out.err != nil {
		// 失败的报价没有可确认的内容，立即让出位置
		d.queue.Release(id)
		d.quotesFailed.Add(1)
		d.monitor.RecordQuote(context.Background(), monitor.OrderPayload{
			RequestID: id, Trader: trader, Symbol: symbol, Quantity: quantity, Error: out.err.Error(),
		})
		return QuoteResponse{}, out.err
	}

	// 只有仍占据队首的请求才能登记报价
	if entry, ok := d.queue.Lookup(id); !ok || entry.Position != 0 {
		d.quotesFailed.Add(1)
		err := fmt.Errorf("app: 请求 %d 报价完成前已被移出队列: %w", id, queue.ErrQueueEntryNotFound)
		d.logger.Warn("报价结果已丢弃", zap.Int64("id", id), zap.String("trader", trader))
		return QuoteResponse{}, err
	}
	d.pipe.Stage(out.quote)
	d.quotesOK.Add(1)
	d.quoted.Store(id, struct{}{})
	resp := QuoteResponse{
		RequestID:     id,
		Trader:        trader,
		Symbol:        out.quote.Symbol,
		Quantity:      out.quote.Quantity,
		TotalCost:     out.quote.TotalCost,
		PricePerShare: out.quote.PricePerShare,
	}
	d.monitor.RecordQuote(context.Background(), monitor.OrderPayload{
		RequestID:     id,
		Trader:        trader,
		Symbol:        resp.Symbol,
		Quantity:      resp.Quantity,
		TotalCost:     resp.TotalCost,
		PricePerShare: resp.PricePerShare,
		Success:       true,
	})
	return resp, nil
}

// runQuote 在队首执行：先确认会话，再执行报价。
func (d *Desk) runQuote(meta queue.Meta) (pipeline.Quote, error) {
	timeout := d.cfg.PipelineTimeout
	if timeout <= 0 {
		timeout = 50 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ok, err := d.auth.EnsureAuthenticated(ctx, false)
	if err != nil {
		return pipeline.Quote{}, err
	}
	if !ok {
		d.logger.Warn("会话探测未得出结论，继续报价", zap.String("trader", meta.Trader))
	}

	return d.pipe.Quote(ctx, pipeline.QuoteRequest{
		Trader:   meta.Trader,
		Symbol:   meta.Symbol,
		Quantity: meta.Quantity,
	})
}

// ConfirmOrder 确认报价，无论成功与否都会释放队列位置。确认期间条目不会被超时淘汰。
func (d *Desk) ConfirmOrder(ctx context.Context, trader string, requestID int64) (venue.Prices, error) {
	trader = register.TraderKey(trader)
	entry, err := d.ownedEntry(trader, requestID)
	if err != nil {
		return venue.Prices{}, err
	}
	if _, ok := d.quoted.LoadAndDelete(requestID); !ok || entry.Position != 0 {
		return venue.Prices{}, fmt.Errorf("app: 请求 %d 尚未报价: %w", requestID, pipeline.ErrNoPendingQuote)
	}
	if !d.queue.Hold(requestID) {
		return venue.Prices{}, fmt.Errorf("app: 请求 %d 已被淘汰: %w", requestID, queue.ErrQueueEntryNotFound)
	}
	defer d.queue.Release(requestID)

	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	prices, err := d.pipe.Confirm(ctx, trader)
	payload := monitor.OrderPayload{
		RequestID:     requestID,
		Trader:        trader,
		Symbol:        entry.Symbol,
		Quantity:      entry.Quantity,
		TotalCost:     prices.TotalCost,
		PricePerShare: prices.PricePerShare,
		Success:       err == nil,
	}
	if err != nil {
		d.confirmsFailed.Add(1)
		payload.Error = err.Error()
		d.monitor.RecordConfirm(context.Background(), payload)
		return venue.Prices{}, err
	}

	d.confirmsOK.Add(1)
	d.monitor.RecordConfirm(context.Background(), payload)
	return prices, nil
}

// CancelOrder 取消报价并释放队列位置，返回条目是否存在。
func (d *Desk) CancelOrder(trader string, requestID int64) bool {
	trader = register.TraderKey(trader)
	entry, err := d.ownedEntry(trader, requestID)
	if err != nil {
		return false
	}
	if _, ok := d.quoted.LoadAndDelete(requestID); ok {
		d.pipe.Cancel(trader)
	}
	released := d.queue.Release(requestID)
	if released {
		d.cancels.Add(1)
		d.monitor.RecordCancel(context.Background(), monitor.OrderPayload{
			RequestID: requestID,
			Trader:    trader,
			Symbol:    entry.Symbol,
			Quantity:  entry.Quantity,
			Success:   true,
		})
	}
	return released
}

// QueuePosition 查询请求在队列中的位置，0 表示正在执行。
func (d *Desk) QueuePosition(trader, symbol string, quantity int) (int, bool) {
	return d.queue.PositionOf(register.TraderKey(trader), strings.ToUpper(strings.TrimSpace(symbol)), quantity)
}

// RestartSession 重置会话、清空队列，并执行一次不阻塞的登录。
func (d *Desk) RestartSession(ctx context.Context) (session.LoginResult, error) {
	d.auth.Reset()
	removed := d.queue.Clear()
	d.quoted.Range(func(key, _ any) bool {
		d.quoted.Delete(key)
		return true
	})
	d.logger.Info("重启会话", zap.Int("queue_removed", removed))

	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	res, err := d.auth.Login(ctx)
	if err != nil {
		d.monitor.RecordError(context.Background(), "重启会话失败", err, nil)
		return res, err
	}
	return res, nil
}

// SubmitChallengeCode 转交验证码。trader 只用于记录来源。
func (d *Desk) SubmitChallengeCode(ctx context.Context, trader, code string) (bool, error) {
	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	ok, err := d.auth.SubmitChallengeCode(ctx, strings.TrimSpace(code))
	payload := monitor.ChallengePayload{Trader: strings.TrimSpace(trader), Success: ok && err == nil}
	if err != nil {
		payload.Error = err.Error()
	}
	d.monitor.RecordChallenge(context.Background(), payload)
	return ok, err
}

// Status 返回当前状态投影。
func (d *Desk) Status() ServerStatus {
	snap := d.auth.Snapshot()
	return ServerStatus{
		Authenticated:    snap.Authenticated,
		AuthState:        snap.State,
		ChallengePending: snap.ChallengePending,
		Office:           d.pipe.Office(),
		Traders:          d.pipe.KnownTraders(),
		Queue:            d.queue.Snapshot(),
		Counters: Counters{
			Stats:          d.queue.Stats(),
			QuotesOK:       d.quotesOK.Load(),
			QuotesFailed:   d.quotesFailed.Load(),
			ConfirmsOK:     d.confirmsOK.Load(),
			ConfirmsFailed: d.confirmsFailed.Load(),
			Cancels:        d.cancels.Load(),
		},
		GeneratedAt: time.Now().UTC(),
	}
}

// PurchaseHistory 返回交易员当日成交。
func (d *Desk) PurchaseHistory(ctx context.Context, trader string) ([]register.Purchase, error) {
	return d.history.History(ctx, register.TraderKey(trader))
}

// PurchaseHistoryAll 返回所有交易员当日成交。
func (d *Desk) PurchaseHistoryAll(ctx context.Context) (map[string][]register.Purchase, error) {
	return d.history.HistoryAll(ctx)
}

// StartupLogin 启动时沿用持久化 Cookie 执行一次登录，需要验证码时发起验证等待 API 提交。
func (d *Desk) StartupLogin(ctx context.Context) error {
	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	res, err := d.auth.Login(ctx)
	if err != nil {
		d.monitor.RecordError(context.Background(), "启动登录失败", err, nil)
		return err
	}
	d.logger.Info("启动登录完成",
		zap.Bool("authenticated", res.Authenticated),
		zap.Bool("challenge_required", res.ChallengeRequired),
	)
	return nil
}

func (d *Desk) ownedEntry(trader string, requestID int64) (queue.Entry, error) {
	entry, ok := d.queue.Lookup(requestID)
	if !ok {
		return queue.Entry{}, fmt.Errorf("app: 请求 %d: %w", requestID, queue.ErrQueueEntryNotFound)
	}
	if !strings.EqualFold(entry.Trader, trader) {
		return queue.Entry{}, fmt.Errorf("app: 请求 %d 不属于 %s: %w", requestID, trader, queue.ErrQueueEntryNotFound)
	}
	return entry, nil
}

func (d *Desk) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.RequestTimeout)
}
