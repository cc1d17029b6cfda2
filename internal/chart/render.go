package chart

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"ai_trader/internal/market"
)

// 配色与前端暗色主题保持一致
var (
	colorBackground = color.NRGBA{R: 0x18, G: 0x18, B: 0x1b, A: 0xff}
	colorFrame      = color.NRGBA{R: 0x3f, G: 0x3f, B: 0x46, A: 0xff}
	colorGrid       = color.NRGBA{R: 0x27, G: 0x27, B: 0x2a, A: 0xff}
	colorUp         = color.NRGBA{R: 0x22, G: 0xc5, B: 0x5e, A: 0xff}
	colorDown       = color.NRGBA{R: 0xef, G: 0x44, B: 0x44, A: 0xff}
)

const (
	imageWidth  = 800
	imageHeight = 400
	marginX     = 16
	marginY     = 16
	gridRows    = 4
)

// RenderBase64 把 K 线渲染为 PNG 蜡烛图并返回 base64 编码。
// 输出只取决于输入序列，便于测试与缓存。
func RenderBase64(klines []market.Kline) (string, error) {
	if len(klines) == 0 {
		return "", fmt.Errorf("render chart: klines are empty")
	}

	lo, hi := priceRange(klines)
	// 上下各留千分之二的呼吸空间，避免极值贴边
	lo *= 0.998
	hi *= 1.002
	if hi <= lo {
		hi = lo + 1
	}

	img := image.NewNRGBA(image.Rect(0, 0, imageWidth, imageHeight))
	fillRect(img, 0, 0, imageWidth, imageHeight, colorBackground)

	plotX0, plotY0 := marginX, marginY
	plotX1, plotY1 := imageWidth-marginX, imageHeight-marginY
	plotW := plotX1 - plotX0
	plotH := plotY1 - plotY0

	// 水平参考线
	for i := 1; i < gridRows; i++ {
		y := plotY0 + plotH*i/gridRows
		fillRect(img, plotX0, y, plotX1, y+1, colorGrid)
	}

	// 边框
	fillRect(img, plotX0, plotY0, plotX1, plotY0+1, colorFrame)
	fillRect(img, plotX0, plotY1-1, plotX1, plotY1, colorFrame)
	fillRect(img, plotX0, plotY0, plotX0+1, plotY1, colorFrame)
	fillRect(img, plotX1-1, plotY0, plotX1, plotY1, colorFrame)

	n := len(klines)
	slot := float64(plotW) / float64(n)
	bodyW := int(slot * 0.6)
	if bodyW < 1 {
		bodyW = 1
	}

	toY := func(price float64) int {
		// 价格高的点在图上方
		frac := (price - lo) / (hi - lo)
		return plotY1 - int(frac*float64(plotH))
	}

	for i, k := range klines {
		c := colorUp
		if k.Close < k.Open {
			c = colorDown
		}

		cx := plotX0 + int(slot*float64(i)+slot/2)

		// 影线
		yHigh, yLow := toY(k.High), toY(k.Low)
		fillRect(img, cx, yHigh, cx+1, yLow+1, c)

		// 实体，平盘时退化为一条横线
		top, bottom := k.Open, k.Close
		if bottom > top {
			top, bottom = bottom, top
		}
		yTop, yBottom := toY(top), toY(bottom)
		if yBottom-yTop < 1 {
			yBottom = yTop + 1
		}
		fillRect(img, cx-bodyW/2, yTop, cx-bodyW/2+bodyW, yBottom, c)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode chart png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func priceRange(klines []market.Kline) (lo, hi float64) {
	lo, hi = klines[0].Low, klines[0].High
	for _, k := range klines[1:] {
		if k.Low < lo {
			lo = k.Low
		}
		if k.High > hi {
			hi = k.High
		}
	}
	return lo, hi
}

func fillRect(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > img.Rect.Max.X {
		x1 = img.Rect.Max.X
	}
	if y1 > img.Rect.Max.Y {
		y1 = img.Rect.Max.Y
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}
