package binance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"klinefeed.com/internal/quotes/model"
)

type bnCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bnKlineEvent struct {
	EventType string  `json:"e"`
	Symbol    string  `json:"s"`
	Kline     bnKline `json:"k"`
}

type bnKline struct {
	StartTime int64  `json:"t"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Trades    int64  `json:"n"`
	IsFinal   bool   `json:"x"`
}

var errNotKline = errors.New("not kline")

// ParseKlineEvent 解析 /ws/<sym>@kline_<iv> 或 combined stream 的消息
func ParseKlineEvent(b []byte, interval time.Duration) (model.Event, error) {
	var ev bnKlineEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return model.Event{}, err
	}
	if ev.EventType == "" {
		var wrap bnCombined
		if err := json.Unmarshal(b, &wrap); err != nil || len(wrap.Data) == 0 {
			return model.Event{}, errNotKline
		}
		if err := json.Unmarshal(wrap.Data, &ev); err != nil {
			return model.Event{}, err
		}
	}
	if ev.EventType != "kline" {
		return model.Event{}, errNotKline
	}
	k := ev.Kline
	bar, err := newBar(k.Symbol, k.StartTime, interval, k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return model.Event{}, err
	}
	return model.Event{Bar: bar, Closed: k.IsFinal}, nil
}

func barFromKline(symbol string, k *gobinance.Kline, interval time.Duration) (model.Bar, error) {
	return newBar(symbol, k.OpenTime, interval, k.Open, k.High, k.Low, k.Close, k.Volume)
}

func newBar(symbol string, openMs int64, interval time.Duration, o, h, l, c, v string) (model.Bar, error) {
	var (
		bar model.Bar
		err error
	)
	bar.Symbol = NormalizeSymbol(symbol)
	bar.Timestamp = model.Truncate(time.UnixMilli(openMs), interval)
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{{&bar.Open, o}, {&bar.High, h}, {&bar.Low, l}, {&bar.Close, c}, {&bar.Volume, v}}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return model.Bar{}, fmt.Errorf("parse %q: %w", f.src, err)
		}
	}
	return bar, bar.Validate()
}

// NormalizeSymbol BTC-USDT / btc/usdt / binance:btcusdt -> BTCUSDT
func NormalizeSymbol(sym string) string {
	return model.NormalizeSymbol(sym)
}

// streamName BTCUSDT + 5m -> btcusdt@kline_5m
func streamName(symbol string, interval time.Duration) string {
	return strings.ToLower(symbol) + "@kline_" + model.IntervalKey(interval)
}
