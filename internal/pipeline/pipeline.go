// Package pipeline 实现申购 locate 的报价、确认与取消流程。
// 调用方负责串行化：同一时刻只允许一个流程在站点上执行。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"locates-desk/internal/config"
	"locates-desk/internal/metrics"
	"locates-desk/internal/register"
	"locates-desk/internal/txstore"
	"locates-desk/internal/venue"
)

// Caller 携带会话 Cookie 发起站点调用。
type Caller interface {
	Call(ctx context.Context, req venue.Request) (venue.Response, error)
}

// Recorder 登记成交。
type Recorder interface {
	Record(ctx context.Context, trader, ticker string, price float64, quantity int) (register.Purchase, error)
}

// QuoteRequest 为一次报价请求。
type QuoteRequest struct {
	Trader   string
	Symbol   string
	Quantity int
}

// Quote 为报价结果，Tokens 会保存到交易上下文中等待确认。
type Quote struct {
	Trader        string
	Symbol        string
	Quantity      int
	TotalCost     float64
	PricePerShare float64
	Tokens        Tokens
}

// Pending 为等待确认的报价。
type Pending struct {
	Quote     Quote
	CreatedAt time.Time
}

// Trader 为站点上可选的交易员。
type Trader struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Pipeline 串联各个表单步骤。
type Pipeline struct {
	cfg       config.VenueConfig
	caller    Caller
	extractor *venue.Extractor
	contexts  *txstore.Store[Pending]
	recorder  Recorder
	logger    *zap.Logger

	mu      sync.RWMutex
	office  string
	traders map[string]string
}

// New 创建下单流程。
func New(cfg config.VenueConfig, caller Caller, extractor *venue.Extractor, contexts *txstore.Store[Pending], recorder Recorder, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = venue.NewExtractor(cfg.Markers)
	}
	if contexts == nil {
		contexts = txstore.New[Pending](0, nil)
	}
	return &Pipeline{
		cfg:       cfg,
		caller:    caller,
		extractor: extractor,
		contexts:  contexts,
		recorder:  recorder,
		logger:    logger,
		office:    cfg.OfficeID,
		traders:   make(map[string]string),
	}
}

// Quote 依次执行营业部选择、取表单、选择交易员、提交代码数量、接受报价。
// 任一步骤失败立即中止，不做重试。结果不会自动保存，需由调用方通过 Stage 登记。
func (p *Pipeline) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	trader := strings.TrimSpace(req.Trader)
	if trader == "" {
		return Quote{}, fmt.Errorf("%w: trader 不能为空", ErrInvalidRequest)
	}
	if req.Quantity <= 0 {
		return Quote{}, fmt.Errorf("%w: 数量必须大于0", ErrInvalidRequest)
	}
	symbol := p.normalizeSymbol(req.Symbol)
	if symbol == "" {
		return Quote{}, fmt.Errorf("%w: symbol 不能为空", ErrInvalidRequest)
	}

	quote, err := p.quote(ctx, trader, symbol, req.Quantity)
	if err != nil {
		metrics.OrderOutcome("quote", outcome(err))
		p.logger.Warn("报价失败",
			zap.String("trader", trader),
			zap.String("symbol", symbol),
			zap.Int("quantity", req.Quantity),
			zap.Error(err),
		)
		return Quote{}, err
	}

	metrics.OrderOutcome("quote", "ok")
	p.logger.Info("报价完成",
		zap.String("trader", trader),
		zap.String("symbol", symbol),
		zap.Int("quantity", req.Quantity),
		zap.Float64("total_cost", quote.TotalCost),
		zap.Float64("price_per_share", quote.PricePerShare),
	)
	return quote, nil
}

func (p *Pipeline) quote(ctx context.Context, trader, symbol string, quantity int) (Quote, error) {
	office, err := p.resolveOffice(ctx)
	if err != nil {
		return Quote{}, err
	}

	form, err := p.fetchForm(ctx)
	if err != nil {
		return Quote{}, err
	}
	tokens := Tokens{}.withForm(form).withOffice(office)

	tokens, err = p.selectTrader(ctx, tokens, trader)
	if err != nil {
		return Quote{}, err
	}

	tokens, err = p.submitOrder(ctx, tokens.withOrder(symbol, quantity))
	if err != nil {
		return Quote{}, err
	}

	tokens, prices, err := p.accept(ctx, tokens)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Trader:        trader,
		Symbol:        symbol,
		Quantity:      quantity,
		TotalCost:     prices.TotalCost,
		PricePerShare: prices.PricePerShare,
		Tokens:        tokens,
	}, nil
}

// resolveOffice 优先使用配置或缓存的营业部，否则取下拉框中被选中的或第一个选项。
func (p *Pipeline) resolveOffice(ctx context.Context) (string, error) {
	p.mu.RLock()
	office := p.office
	p.mu.RUnlock()
	if office != "" {
		return office, nil
	}

	resp, err := p.call(ctx, "office_lookup", http.MethodGet, nil)
	if err != nil {
		return "", err
	}
	options := p.extractor.SelectOptions(resp.Body, "office_dropdown")
	if len(options) == 0 {
		return "", venue.MissingTokenError("office_lookup", "office_dropdown")
	}
	office = options[0].Value
	for _, o := range options {
		if o.Selected {
			office = o.Value
			break
		}
	}

	p.mu.Lock()
	p.office = office
	p.mu.Unlock()
	p.logger.Info("已确定营业部", zap.String("office", office))
	return office, nil
}

func (p *Pipeline) fetchForm(ctx context.Context) (venue.FormTokens, error) {
	resp, err := p.call(ctx, "request_form", http.MethodGet, nil)
	if err != nil {
		return venue.FormTokens{}, err
	}
	return p.formTokens("request_form", resp.Body)
}

func (p *Pipeline) selectTrader(ctx context.Context, tokens Tokens, trader string) (Tokens, error) {
	resp, err := p.call(ctx, "office_select", http.MethodPost, tokens.officeForm())
	if err != nil {
		return Tokens{}, err
	}

	options := p.extractor.SelectOptions(resp.Body, "trader[]")
	p.rememberTraders(options)

	id := matchTrader(options, trader)
	if id == "" {
		return Tokens{}, fmt.Errorf("%w: no trader found with name %s", venue.ErrTraderNotFound, trader)
	}

	form, err := p.formTokens("office_select", resp.Body)
	if err != nil {
		return Tokens{}, err
	}
	return tokens.withForm(form).withTrader(id), nil
}

func (p *Pipeline) submitOrder(ctx context.Context, tokens Tokens) (Tokens, error) {
	resp, err := p.call(ctx, "order_submit", http.MethodPost, tokens.orderForm())
	if err != nil {
		return Tokens{}, err
	}

	fields, ok := p.extractor.QuoteFields(resp.Body)
	if !ok {
		return Tokens{}, venue.MissingTokenError("order_submit", "accept/quote_source")
	}
	form, err := p.formTokens("order_submit", resp.Body)
	if err != nil {
		return Tokens{}, err
	}
	return tokens.withForm(form).withQuote(fields), nil
}

func (p *Pipeline) accept(ctx context.Context, tokens Tokens) (Tokens, venue.Prices, error) {
	resp, err := p.call(ctx, "accept", http.MethodPost, tokens.acceptForm())
	if err != nil {
		return Tokens{}, venue.Prices{}, err
	}

	prices, ok := p.extractor.Prices(resp.Body)
	if !ok {
		return Tokens{}, venue.Prices{}, venue.MissingTokenError("accept", "total cost")
	}
	form, err := p.formTokens("accept", resp.Body)
	if err != nil {
		return Tokens{}, venue.Prices{}, err
	}
	return tokens.withForm(form), prices, nil
}

// Stage 保存报价上下文等待确认，覆盖该交易员之前的报价。
func (p *Pipeline) Stage(quote Quote) {
	p.contexts.Put(register.TraderKey(quote.Trader), Pending{Quote: quote, CreatedAt: time.Now()})
}

// Confirm 使用保存的报价上下文确认下单。确认请求发出后上下文即被删除，
// 只有结果表格中出现 Accepted 时才登记成交。
func (p *Pipeline) Confirm(ctx context.Context, trader string) (venue.Prices, error) {
	trader = register.TraderKey(trader)
	pending, ok := p.contexts.Get(trader)
	if !ok {
		metrics.OrderOutcome("confirm", "no_quote")
		return venue.Prices{}, fmt.Errorf("pipeline: %s: %w", trader, ErrNoPendingQuote)
	}
	// 表单 token 只能提交一次
	p.contexts.Delete(trader)

	quote := pending.Quote
	resp, err := p.call(ctx, "confirm", http.MethodPost, quote.Tokens.confirmForm())
	if err != nil {
		metrics.OrderOutcome("confirm", outcome(err))
		return venue.Prices{}, err
	}
	if !p.extractor.HasAcceptedRow(resp.Body) {
		metrics.OrderOutcome("confirm", "rejected")
		p.logger.Warn("确认未被站点接受",
			zap.String("trader", trader),
			zap.String("symbol", quote.Symbol),
		)
		return venue.Prices{}, fmt.Errorf("%w: confirm 结果中没有 %s 状态", venue.ErrVenueRejected, p.cfg.Markers.Accepted)
	}

	prices := venue.Prices{TotalCost: quote.TotalCost, PricePerShare: quote.PricePerShare}
	if p.recorder != nil {
		if _, err := p.recorder.Record(ctx, trader, quote.Symbol, quote.PricePerShare, quote.Quantity); err != nil {
			p.logger.Error("登记成交失败", zap.String("trader", trader), zap.Error(err))
		}
	}

	metrics.OrderOutcome("confirm", "ok")
	p.logger.Info("确认完成",
		zap.String("trader", trader),
		zap.String("symbol", quote.Symbol),
		zap.Int("quantity", quote.Quantity),
		zap.Float64("total_cost", quote.TotalCost),
	)
	return prices, nil
}

// Cancel 删除交易上下文，不访问站点，未确认的报价会被站点自动作废。
func (p *Pipeline) Cancel(trader string) bool {
	trader = register.TraderKey(trader)
	_, had := p.contexts.Get(trader)
	p.contexts.Delete(trader)
	metrics.OrderOutcome("cancel", "ok")
	return had
}

// PendingQuote 返回交易员未过期的报价。
func (p *Pipeline) PendingQuote(trader string) (Quote, bool) {
	pending, ok := p.contexts.Get(register.TraderKey(trader))
	return pending.Quote, ok
}

// Office 返回当前使用的营业部。
func (p *Pipeline) Office() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.office
}

// KnownTraders 返回站点上出现过的交易员，按名称排序。
func (p *Pipeline) KnownTraders() []Trader {
	p.mu.RLock()
	out := make([]Trader, 0, len(p.traders))
	for name, id := range p.traders {
		out = append(out, Trader{ID: id, Name: name})
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Pipeline) rememberTraders(options []venue.Option) {
	if len(options) == 0 {
		return
	}
	p.mu.Lock()
	for _, o := range options {
		p.traders[o.Label] = o.Value
	}
	p.mu.Unlock()
}

func (p *Pipeline) call(ctx context.Context, step, method string, form url.Values) (venue.Response, error) {
	resp, err := p.caller.Call(ctx, venue.Request{
		Step:   step,
		Method: method,
		Path:   p.cfg.OrderPath,
		Form:   form,
	})
	if err != nil {
		return venue.Response{}, err
	}
	if resp.Status != http.StatusOK {
		return venue.Response{}, &venue.StatusError{Step: step, Status: resp.Status}
	}
	return resp, nil
}

func (p *Pipeline) formTokens(step, body string) (venue.FormTokens, error) {
	tokens := p.extractor.FormTokens(body)
	if tokens.BuildID == "" {
		return venue.FormTokens{}, venue.MissingTokenError(step, "form_build_id")
	}
	return tokens, nil
}

// normalizeSymbol 统一大写，没有市场后缀时追加配置的后缀。
func (p *Pipeline) normalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return ""
	}
	if !strings.Contains(symbol, ".") && p.cfg.SymbolSuffix != "" {
		symbol += p.cfg.SymbolSuffix
	}
	return symbol
}

func matchTrader(options []venue.Option, name string) string {
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(o.Label), name) || o.Value == name {
			return o.Value
		}
	}
	return ""
}

func outcome(err error) string {
	switch {
	case errors.Is(err, venue.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, venue.ErrTransportTimeout):
		return "timeout"
	case errors.Is(err, venue.ErrTraderNotFound):
		return "trader_not_found"
	default:
		return "failed"
	}
}
