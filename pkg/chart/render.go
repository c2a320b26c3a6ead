// Package chart rasterizes bar windows into fixed-size chart images and
// loads them back as model input tensors.
package chart

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"

	"github.com/tunogya/visionquant/pkg/model"
)

// Style selects how each bar is drawn.
type Style string

const (
	StyleCandle Style = "candle"
	StyleOHLC   Style = "ohlc"
	StyleLine   Style = "line"
)

// DefaultSize is the default square image edge in pixels.
const DefaultSize = 224

var ErrEmptyWindow = errors.New("chart: empty window")

var (
	background = color.RGBA{255, 255, 255, 255}
	upColor    = color.RGBA{38, 166, 91, 255}
	downColor  = color.RGBA{214, 48, 49, 255}
	lineColor  = color.RGBA{33, 33, 33, 255}
)

// Options controls rendering.
type Options struct {
	Size   int   `json:"size" mapstructure:"size"`
	Style  Style `json:"style" mapstructure:"style"`
	Volume bool  `json:"volume" mapstructure:"volume"`
}

// DefaultOptions returns 224px candle charts with a volume pane.
func DefaultOptions() Options {
	return Options{Size: DefaultSize, Style: StyleCandle, Volume: true}
}

// ParseStyle validates a style name; empty selects candle.
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case "", StyleCandle:
		return StyleCandle, nil
	case StyleOHLC, StyleLine:
		return Style(s), nil
	default:
		return "", fmt.Errorf("unknown chart style %q", s)
	}
}

// Render draws candles into an opts.Size square RGBA image. Output is a pure
// function of the bars and options.
func Render(candles []model.Candle, opts Options) (image.Image, error) {
	if len(candles) == 0 {
		return nil, ErrEmptyWindow
	}
	if opts.Size < 8 {
		return nil, fmt.Errorf("chart: size %d too small", opts.Size)
	}
	style, err := ParseStyle(string(opts.Style))
	if err != nil {
		return nil, err
	}

	size := float64(opts.Size)
	dc := gg.NewContext(opts.Size, opts.Size)
	dc.SetColor(background)
	dc.Clear()

	priceTop, priceBottom := 0.0, size
	if opts.Volume {
		priceBottom = size * 0.8
	}

	lo, hi := priceRange(candles)
	y := func(p float64) float64 {
		return priceBottom - (p-lo)/(hi-lo)*(priceBottom-priceTop)
	}
	slot := size / float64(len(candles))
	body := math.Max(1, slot*0.6)
	lineWidth := math.Max(1, slot*0.15)

	switch style {
	case StyleLine:
		dc.SetColor(lineColor)
		dc.SetLineWidth(math.Max(1, size/112))
		for i, c := range candles {
			x := (float64(i) + 0.5) * slot
			if i == 0 {
				dc.MoveTo(x, y(c.Close))
			} else {
				dc.LineTo(x, y(c.Close))
			}
		}
		dc.Stroke()
	default:
		for i, c := range candles {
			x := (float64(i) + 0.5) * slot
			dc.SetColor(barColor(c))
			dc.SetLineWidth(lineWidth)
			dc.DrawLine(x, y(c.High), x, y(c.Low))
			dc.Stroke()

			if style == StyleOHLC {
				dc.DrawLine(x-body/2, y(c.Open), x, y(c.Open))
				dc.DrawLine(x, y(c.Close), x+body/2, y(c.Close))
				dc.Stroke()
				continue
			}
			top, bottom := y(math.Max(c.Open, c.Close)), y(math.Min(c.Open, c.Close))
			dc.DrawRectangle(x-body/2, top, body, math.Max(1, bottom-top))
			dc.Fill()
		}
	}

	if opts.Volume {
		drawVolume(dc, candles, slot, body, priceBottom, size)
	}
	return dc.Image(), nil
}

func drawVolume(dc *gg.Context, candles []model.Candle, slot, body, top, bottom float64) {
	maxVol := 0.0
	for _, c := range candles {
		maxVol = math.Max(maxVol, c.Volume)
	}
	if maxVol <= 0 {
		return
	}
	pane := (bottom - top) * 0.9
	for i, c := range candles {
		h := c.Volume / maxVol * pane
		if h <= 0 {
			continue
		}
		x := (float64(i) + 0.5) * slot
		dc.SetColor(barColor(c))
		dc.DrawRectangle(x-body/2, bottom-h, body, h)
		dc.Fill()
	}
}

func barColor(c model.Candle) color.Color {
	if c.IsBullish() {
		return upColor
	}
	return downColor
}

// priceRange returns padded [lo, hi] over the window's lows and highs.
func priceRange(candles []model.Candle) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range candles {
		lo = math.Min(lo, math.Min(c.Low, math.Min(c.Open, c.Close)))
		hi = math.Max(hi, math.Max(c.High, math.Max(c.Open, c.Close)))
	}
	if hi-lo < 1e-12 {
		pad := math.Max(math.Abs(hi)*0.01, 1)
		return lo - pad, hi + pad
	}
	pad := (hi - lo) * 0.05
	return lo - pad, hi + pad
}
