package venue

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"locates-desk/internal/config"
)

var (
	totalCostPattern     = regexp.MustCompile(`(?i)total\s+cost[^0-9]*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	pricePerSharePattern = regexp.MustCompile(`(?i)price\s+per\s+share[^0-9]*([0-9][0-9,]*(?:\.[0-9]+)?)`)
)

// Extractor 从站点 HTML 中提取下一步调用所需的 token。
// 对上层而言提取逻辑是不透明的，页面结构变化只需要修改这里。
type Extractor struct {
	markers config.MarkerConfig
}

// NewExtractor 创建提取器。
func NewExtractor(markers config.MarkerConfig) *Extractor {
	return &Extractor{markers: markers}
}

// FormTokens 返回页面上第一个带 form_build_id 的表单的隐藏字段。
func (e *Extractor) FormTokens(body string) FormTokens {
	doc := parse(body)
	if doc == nil {
		return FormTokens{}
	}

	var found FormTokens
	walk(doc, func(n *html.Node) bool {
		if found.BuildID != "" {
			return false
		}
		if !isElement(n, "form") {
			return true
		}
		var tokens FormTokens
		walk(n, func(c *html.Node) bool {
			if !isElement(c, "input") {
				return true
			}
			switch attr(c, "name") {
			case "form_build_id":
				tokens.BuildID = attr(c, "value")
			case "form_id":
				tokens.FormID = attr(c, "value")
			case "form_token":
				tokens.Token = attr(c, "value")
			}
			return true
		})
		if tokens.BuildID != "" {
			found = tokens
			return false
		}
		return true
	})

	return found
}

// SelectOptions 返回指定名称下拉框的全部选项，空值占位项会被跳过。
func (e *Extractor) SelectOptions(body, name string) []Option {
	doc := parse(body)
	if doc == nil {
		return nil
	}

	var options []Option
	walk(doc, func(n *html.Node) bool {
		if !isElement(n, "select") || attr(n, "name") != name {
			return true
		}
		walk(n, func(c *html.Node) bool {
			if !isElement(c, "option") {
				return true
			}
			value := strings.TrimSpace(attr(c, "value"))
			if value == "" {
				return true
			}
			_, selected := lookupAttr(c, "selected")
			options = append(options, Option{
				Value:    value,
				Label:    strings.TrimSpace(text(c)),
				Selected: selected,
			})
			return true
		})
		return false
	})

	return options
}

// QuoteFields 提取接受报价复选框与报价来源单选框。两者缺一不可。
func (e *Extractor) QuoteFields(body string) (QuoteFields, bool) {
	doc := parse(body)
	if doc == nil {
		return QuoteFields{}, false
	}

	var fields QuoteFields
	walk(doc, func(n *html.Node) bool {
		if !isElement(n, "input") {
			return true
		}
		name := attr(n, "name")
		typ := strings.ToLower(attr(n, "type"))
		switch {
		case typ == "checkbox" && strings.Contains(name, "accept") && fields.AcceptField == "":
			fields.AcceptField = name
			fields.AcceptValue = attr(n, "value")
			if fields.AcceptValue == "" {
				fields.AcceptValue = "1"
			}
		case typ == "radio" && strings.Contains(name, "quote_source"):
			_, checked := lookupAttr(n, "checked")
			if fields.QuoteSourceField == "" || checked {
				fields.QuoteSourceField = name
				fields.QuoteSourceValue = attr(n, "value")
			}
		}
		return true
	})

	ok := fields.AcceptField != "" && fields.QuoteSourceField != "" && fields.QuoteSourceValue != ""
	return fields, ok
}

// Prices 从页面文本中解析总费用与每股价格。
func (e *Extractor) Prices(body string) (Prices, bool) {
	doc := parse(body)
	if doc == nil {
		return Prices{}, false
	}
	content := text(doc)

	total, ok := matchNumber(totalCostPattern, content)
	if !ok {
		return Prices{}, false
	}
	perShare, ok := matchNumber(pricePerSharePattern, content)
	if !ok {
		return Prices{}, false
	}
	return Prices{TotalCost: total, PricePerShare: perShare}, true
}

// IsAuthenticated 登录后的页面 body 会带上 logged-in 样式。
func (e *Extractor) IsAuthenticated(body string) bool {
	doc := parse(body)
	if doc == nil {
		return false
	}
	found := false
	walk(doc, func(n *html.Node) bool {
		if isElement(n, "body") {
			found = hasClass(n, e.markers.Authenticated)
			return false
		}
		return true
	})
	return found
}

// IsLoginForm 判断页面是否为登录表单，即会话已失效。
func (e *Extractor) IsLoginForm(body string) bool {
	doc := parse(body)
	if doc == nil {
		return false
	}
	found := false
	walk(doc, func(n *html.Node) bool {
		if isElement(n, "form") && (attr(n, "id") == e.markers.LoginForm || hasClass(n, e.markers.LoginForm)) {
			found = true
			return false
		}
		return true
	})
	return found
}

// HasAcceptedRow 扫描结果表格，任意一行的状态单元格为 Accepted 即视为成交。
func (e *Extractor) HasAcceptedRow(body string) bool {
	doc := parse(body)
	if doc == nil {
		return false
	}
	found := false
	walk(doc, func(n *html.Node) bool {
		if found {
			return false
		}
		if isElement(n, "td") && strings.EqualFold(strings.TrimSpace(text(n)), e.markers.Accepted) {
			found = true
			return false
		}
		return true
	})
	return found
}

func parse(body string) *html.Node {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}
	return doc
}

// walk 深度优先遍历，fn 返回 false 时不再进入该节点的子树。
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func hasClass(n *html.Node, class string) bool {
	if class == "" {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func text(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
		return !isElement(c, "script") && !isElement(c, "style")
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

func matchNumber(re *regexp.Regexp, content string) (float64, bool) {
	m := re.FindStringSubmatch(content)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
