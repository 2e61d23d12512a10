package pipeline

import (
	"net/url"
	"strconv"

	"locates-desk/internal/venue"
)

// Tokens 为各步骤之间传递的不可变上下文。每一步返回新的值，不修改上一步的结果。
type Tokens struct {
	Form     venue.FormTokens
	OfficeID string
	TraderID string
	Symbol   string
	Quantity int
	Quote    venue.QuoteFields
}

func (t Tokens) withForm(form venue.FormTokens) Tokens {
	t.Form = form
	return t
}

func (t Tokens) withOffice(id string) Tokens {
	t.OfficeID = id
	return t
}

func (t Tokens) withTrader(id string) Tokens {
	t.TraderID = id
	return t
}

func (t Tokens) withOrder(symbol string, quantity int) Tokens {
	t.Symbol = symbol
	t.Quantity = quantity
	return t
}

func (t Tokens) withQuote(fields venue.QuoteFields) Tokens {
	t.Quote = fields
	return t
}

// officeForm 选择营业部，返回交易员下拉框。
func (t Tokens) officeForm() url.Values {
	form := url.Values{}
	form.Set("office_dropdown", t.OfficeID)
	t.Form.Apply(form)
	return form
}

// orderForm 提交交易员、代码与数量，返回报价。
func (t Tokens) orderForm() url.Values {
	form := url.Values{}
	form.Set("office_dropdown", t.OfficeID)
	form.Set("trader[]", t.TraderID)
	form.Set("symbol[]", t.Symbol)
	form.Set("num_of_shares[]", strconv.Itoa(t.Quantity))
	form.Set("op", "Submit")
	t.Form.Apply(form)
	return form
}

// acceptForm 接受报价，站点开始倒计时。
func (t Tokens) acceptForm() url.Values {
	form := url.Values{}
	form.Set(t.Quote.AcceptField, t.Quote.AcceptValue)
	form.Set(t.Quote.QuoteSourceField, t.Quote.QuoteSourceValue)
	form.Set("op", "Submit")
	t.Form.Apply(form)
	return form
}

func (t Tokens) confirmForm() url.Values {
	form := url.Values{}
	form.Set("confirm", "1")
	form.Set("op", "Confirm")
	t.Form.Apply(form)
	return form
}
