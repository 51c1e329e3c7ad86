package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bar 统一后的 K 线模型
//
// 语义约定：
// - Symbol 统一成大写、去掉交易所前后缀（NSE:ICICIBANK-EQ -> ICICIBANK，btc/usdt -> BTCUSDT）
// - Timestamp 是区间起点，UTC，已按周期截断；(Symbol, Timestamp) 是自然键
type Bar struct {
	Symbol    string
	Timestamp time.Time

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Event 行情源推过来的一条更新；Closed=false 表示区间还在变化
type Event struct {
	Bar    Bar
	Closed bool
}

// Key 自然键
type Key struct {
	Symbol    string
	Timestamp int64 // unix ms
}

func (b Bar) Key() Key {
	return Key{Symbol: b.Symbol, Timestamp: b.Timestamp.UnixMilli()}
}

// Equal 全字段比较（去重用）：同一区间收盘前 volume/close 会变
func (b Bar) Equal(o Bar) bool {
	return b.Symbol == o.Symbol &&
		b.Timestamp.Equal(o.Timestamp) &&
		b.Open.Equal(o.Open) &&
		b.High.Equal(o.High) &&
		b.Low.Equal(o.Low) &&
		b.Close.Equal(o.Close) &&
		b.Volume.Equal(o.Volume)
}

var ErrInvalidBar = errors.New("invalid bar")

func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidBar)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidBar)
	}
	for _, v := range []decimal.Decimal{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if v.IsNegative() {
			return fmt.Errorf("%w: negative value %s", ErrInvalidBar, v)
		}
	}
	return nil
}

// Truncate 按周期截断到区间起点（UTC）
func Truncate(ts time.Time, interval time.Duration) time.Time {
	ts = ts.UTC()
	if interval <= 0 {
		return ts
	}
	return ts.Truncate(interval)
}

// NormalizeSymbol 通用的 symbol 清洗：去掉 "EXCH:" 前缀和 "-EQ" 这类后缀，去分隔符，转大写
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	for _, suf := range []string{"-EQ", "-BE", "-INDEX"} {
		s = strings.TrimSuffix(s, suf)
	}
	s = strings.NewReplacer("/", "", "_", "", "-", "").Replace(s)
	return s
}

// IntervalKey 周期的对外表示，例如 5m / 1h / 1d
func IntervalKey(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// MustDecimal 测试和常量用
func MustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
