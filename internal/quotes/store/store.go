// Package store K 线持久化。所有实现都按 (symbol, timestamp) 去重，重复写入静默忽略，先到先得。
package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/pkg/xerr"
)

type Store interface {
	// InsertMany 返回实际插入的行数，冲突的行不算
	InsertMany(ctx context.Context, bars []model.Bar) (int, error)
	// Latest 某个 symbol 时间最大的一根；没有数据时 ok=false
	Latest(ctx context.Context, symbol string) (bar model.Bar, ok bool, err error)
}

// Lister 可选能力：按时间倒序分页读历史，page 从 1 开始
type Lister interface {
	Recent(ctx context.Context, symbol string, page, limit int) ([]model.Bar, error)
}

var (
	ErrNotSupported = errors.New("store: operation not supported")
	ErrPageRange    = errors.New("store: page out of range")
)

// MaxPageSize 单页上限
const MaxPageSize = 1000

// Recent 顺着 Unwrap 找到支持分页的那一层
func Recent(ctx context.Context, st Store, symbol string, page, limit int) ([]model.Bar, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	// page*limit 不能溢出，否则 offset 变负数或绕回 0
	if page > math.MaxInt/limit {
		return nil, ErrPageRange
	}
	for st != nil {
		if l, ok := st.(Lister); ok {
			return l.Recent(ctx, symbol, page, limit)
		}
		u, ok := st.(interface{ Unwrap() Store })
		if !ok {
			break
		}
		st = u.Unwrap()
	}
	return nil, ErrNotSupported
}

// TableName 每个 venue 一张表：binance -> binance_bars
func TableName(venue string) string {
	return venue + "_bars"
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return xerr.Wrap(xerr.KindStoreWrite, op, err)
}

func validate(bars []model.Bar) error {
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return xerr.Wrap(xerr.KindStoreWrite, "validate", fmt.Errorf("bar %d: %w", i, err))
		}
	}
	return nil
}
