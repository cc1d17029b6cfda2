package decision

import (
	"regexp"
	"strconv"
	"strings"

	"ai_trader/internal/domain"
)

// Parsed 从模型回复中抽取的结构化结果
type Parsed struct {
	Action       domain.Action
	AnalysisText string
	MessageShort string
	BuyAt        *float64
	SellAt       *float64
}

// 价位提取按固定顺序尝试：带标注的写法优先于宽松的兜底，
// 第一个能解析的匹配生效。数字允许千分位逗号，解析前剥掉。
var buyPricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)buy\s*(?:at|price|@)\s*:?\s*\$?(\d[\d,]*(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)\s*(?:buy(?:\s*at)?|buy\s*price|buy\s*@)`),
	regexp.MustCompile(`(?i)buy\s*(?:price)?\s*[:\s]\s*\$?(\d[\d,]*\.\d+)`),
}

var sellPricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sell\s*(?:at|price|@)\s*:?\s*\$?(\d[\d,]*(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)\s*(?:sell(?:\s*at)?|sell\s*price|sell\s*@)`),
	regexp.MustCompile(`(?i)sell\s*(?:price)?\s*[:\s]\s*\$?(\d[\d,]*\.\d+)`),
}

// ParseResponse 抽取操作建议与价位提示。
// 动作按大小写无关子串判断，BUY 优先于 SELL，都没有则 HOLD。
func ParseResponse(content string) Parsed {
	upper := strings.ToUpper(content)
	action := domain.ActionHold
	if strings.Contains(upper, "BUY") {
		action = domain.ActionBuy
	} else if strings.Contains(upper, "SELL") {
		action = domain.ActionSell
	}

	return Parsed{
		Action:       action,
		AnalysisText: truncateRunes(content, 2000),
		MessageShort: truncateRunes(content, 500),
		BuyAt:        firstPrice(content, buyPricePatterns),
		SellAt:       firstPrice(content, sellPricePatterns),
	}
}

func firstPrice(content string, patterns []*regexp.Regexp) *float64 {
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if v, ok := parsePrice(m[1]); ok {
				return &v
			}
		}
	}
	return nil
}

func parsePrice(raw string) (float64, bool) {
	// "95,200" 里的逗号是千分位
	cleaned := strings.ReplaceAll(raw, ",", "")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
