package venue

import (
	"net/http"
	"net/url"
)

// Request 描述一次站点调用。Path 可以是相对路径，也可以是完整 URL（如验证码地址）。
type Request struct {
	Step    string
	Method  string
	Path    string
	Form    url.Values
	Cookies []string
	Referer string
}

// Response 为一次站点调用的原始结果，不会自动跟随重定向。
type Response struct {
	Status     int
	Body       string
	Location   string
	SetCookies []string
}

// IsRedirect 判断响应是否为重定向。
func (r Response) IsRedirect() bool {
	switch r.Status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// FormTokens 为 Drupal 表单每次渲染时生成的隐藏字段。
type FormTokens struct {
	BuildID string
	FormID  string
	Token   string
}

// Apply 将 token 写入表单参数。
func (t FormTokens) Apply(form url.Values) {
	if t.BuildID != "" {
		form.Set("form_build_id", t.BuildID)
	}
	if t.FormID != "" {
		form.Set("form_id", t.FormID)
	}
	if t.Token != "" {
		form.Set("form_token", t.Token)
	}
}

// Option 为下拉框中的一个选项。
type Option struct {
	Value    string
	Label    string
	Selected bool
}

// QuoteFields 为报价页面上接受报价所需的字段。
type QuoteFields struct {
	AcceptField      string
	AcceptValue      string
	QuoteSourceField string
	QuoteSourceValue string
}

// Prices 为接受报价后站点给出的费用。
type Prices struct {
	TotalCost     float64
	PricePerShare float64
}
