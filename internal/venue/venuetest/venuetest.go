// Package venuetest 提供站点页面样例与可编排的 Doer，供 session/pipeline 测试使用。
package venuetest

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"

	"locates-desk/internal/config"
	"locates-desk/internal/venue"
)

// Markers 与页面样例匹配的标记配置。
var Markers = config.MarkerConfig{
	Authenticated: "logged-in",
	LoginForm:     "user-login",
	Accepted:      "Accepted",
}

// Reply 为一次编排好的响应。
type Reply struct {
	Resp venue.Response
	Err  error
}

// Doer 按顺序返回预设响应，并记录收到的请求。
type Doer struct {
	mu      sync.Mutex
	replies []Reply
	calls   []venue.Request
	// Block 非空时每次调用先等待该 channel 关闭或 ctx 结束
	Block chan struct{}
}

func NewDoer(replies ...Reply) *Doer {
	return &Doer{replies: replies}
}

// Push 追加响应。
func (d *Doer) Push(replies ...Reply) {
	d.mu.Lock()
	d.replies = append(d.replies, replies...)
	d.mu.Unlock()
}

func (d *Doer) Do(ctx context.Context, req venue.Request) (venue.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	block := d.Block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return venue.Response{}, fmt.Errorf("%w: %s: %v", venue.ErrTransportTimeout, req.Step, ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.replies) == 0 {
		return venue.Response{}, fmt.Errorf("venuetest: 未预期的调用 %s %s", req.Method, req.Path)
	}
	next := d.replies[0]
	d.replies = d.replies[1:]
	return next.Resp, next.Err
}

// Calls 返回已收到请求的副本。
func (d *Doer) Calls() []venue.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]venue.Request, len(d.calls))
	copy(out, d.calls)
	return out
}

// OK 返回 200 响应。
func OK(body string, cookies ...string) Reply {
	return Reply{Resp: venue.Response{Status: 200, Body: body, SetCookies: cookies}}
}

// Redirect 返回 302 响应。
func Redirect(location string, cookies ...string) Reply {
	return Reply{Resp: venue.Response{Status: 302, Location: location, SetCookies: cookies}}
}

// Status 返回指定状态码的空响应。
func Status(code int) Reply {
	return Reply{Resp: venue.Response{Status: code}}
}

// Fail 返回传输错误。
func Fail(err error) Reply {
	return Reply{Err: err}
}

func page(bodyClass, content string) string {
	return `<!DOCTYPE html><html><head><title>Metro</title></head><body class="` + bodyClass + `">` + content + `</body></html>`
}

func hidden(tokens venue.FormTokens) string {
	var sb strings.Builder
	if tokens.BuildID != "" {
		sb.WriteString(`<input type="hidden" name="form_build_id" value="` + html.EscapeString(tokens.BuildID) + `">`)
	}
	if tokens.Token != "" {
		sb.WriteString(`<input type="hidden" name="form_token" value="` + html.EscapeString(tokens.Token) + `">`)
	}
	if tokens.FormID != "" {
		sb.WriteString(`<input type="hidden" name="form_id" value="` + html.EscapeString(tokens.FormID) + `">`)
	}
	return sb.String()
}

func selectBox(name string, options []venue.Option) string {
	var sb strings.Builder
	sb.WriteString(`<select name="` + name + `"><option value="">- Select -</option>`)
	for _, o := range options {
		sel := ""
		if o.Selected {
			sel = ` selected="selected"`
		}
		sb.WriteString(`<option value="` + html.EscapeString(o.Value) + `"` + sel + `>` + html.EscapeString(o.Label) + `</option>`)
	}
	sb.WriteString(`</select>`)
	return sb.String()
}

// LandingLoggedIn 已登录的首页。
func LandingLoggedIn() string {
	return page("html front logged-in", `<div id="page"><a href="/metro/user/logout">Log out</a></div>`)
}

// LoginPage 未登录的首页，带登录表单。
func LoginPage(tokens venue.FormTokens) string {
	return page("html front not-logged-in", `<form id="user-login" action="/metro/node?destination=node" method="post">`+
		`<input type="text" name="name"><input type="password" name="pass">`+hidden(tokens)+
		`<input type="submit" name="op" value="Log in"></form>`)
}

// ChallengePage 二次验证页面。
func ChallengePage(tokens venue.FormTokens) string {
	return page("html not-logged-in", `<form id="bpm-two-factor-authentication-form" method="post">`+
		`<input type="text" name="authentication_code">`+hidden(tokens)+
		`<input type="submit" name="op" value="Submit"></form>`)
}

// OrderForm 申购表单首页，带营业部下拉框。
func OrderForm(tokens venue.FormTokens, offices ...venue.Option) string {
	return page("html logged-in", `<form id="bpm-pay-for-short-request-form" method="post">`+
		selectBox("office_dropdown", offices)+hidden(tokens)+`</form>`)
}

// TraderForm 选择营业部后返回的交易员下拉框。
func TraderForm(tokens venue.FormTokens, traders ...venue.Option) string {
	return page("html logged-in", `<form id="bpm-pay-for-short-request-form" method="post">`+
		selectBox("trader[]", traders)+`<input type="text" name="symbol[]"><input type="text" name="num_of_shares[]">`+
		hidden(tokens)+`</form>`)
}

// QuoteForm 报价页面，带接受复选框与报价来源单选框。
func QuoteForm(tokens venue.FormTokens, acceptField, quoteSource string) string {
	return page("html logged-in", `<form id="bpm-pay-for-short-request-form" method="post">`+
		`<table><tr><td>TSLA.NQ</td><td>100</td><td>0.0150</td></tr></table>`+
		`<input type="checkbox" name="`+acceptField+`" value="1">`+
		`<input type="radio" name="quote_source" value="`+html.EscapeString(quoteSource)+`" checked="checked">`+
		hidden(tokens)+`</form>`)
}

// AcceptedQuote 接受报价后的确认页面，带费用。
func AcceptedQuote(tokens venue.FormTokens, total, perShare string) string {
	return page("html logged-in", `<form id="bpm-pay-for-short-request-form" method="post">`+
		`<div class="summary"><p>Total cost: $`+total+`</p><p>Price per share: $`+perShare+`</p></div>`+
		`<div class="countdown">60</div>`+
		hidden(tokens)+`<input type="submit" name="op" value="Confirm"></form>`)
}

// ConfirmResult 确认后的结果表格。
func ConfirmResult(status string) string {
	return page("html logged-in", `<table class="requests"><thead><tr><th>Symbol</th><th>Status</th></tr></thead>`+
		`<tbody><tr><td>TSLA.NQ</td><td>`+html.EscapeString(status)+`</td></tr></tbody></table>`)
}
