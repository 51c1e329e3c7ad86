package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/pkg/orm"
)

// BarRow 表结构；ts 存 unix 毫秒，避免各数据库时区处理不一致
type BarRow struct {
	Symbol    string          `gorm:"primaryKey;size:32"`
	Ts        int64           `gorm:"primaryKey;autoIncrement:false"`
	Open      decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	High      decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	Low       decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	Close     decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	Volume    decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	CreatedAt time.Time
}

func rowFromBar(b model.Bar) BarRow {
	return BarRow{
		Symbol: b.Symbol,
		Ts:     b.Timestamp.UnixMilli(),
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: b.Volume,
	}
}

func (r BarRow) Bar() model.Bar {
	return model.Bar{
		Symbol:    r.Symbol,
		Timestamp: time.UnixMilli(r.Ts).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}
}

// GormStore MySQL（生产）/ SQLite（测试）
type GormStore struct {
	db        *gorm.DB
	table     string
	batchSize int
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, table string) *GormStore {
	return &GormStore{db: db, table: table, batchSize: 500}
}

// Migrate 建表
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).Table(s.table).AutoMigrate(&BarRow{})
}

func (s *GormStore) InsertMany(ctx context.Context, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	if err := validate(bars); err != nil {
		return 0, err
	}
	rows := make([]BarRow, len(bars))
	for i, b := range bars {
		rows[i] = rowFromBar(b)
	}
	// 冲突直接忽略，保证同一区间先写入的版本不被覆盖
	res := s.db.WithContext(ctx).
		Table(s.table).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, s.batchSize)
	if res.Error != nil {
		return 0, writeErr("gorm insert", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Latest(ctx context.Context, symbol string) (model.Bar, bool, error) {
	var row BarRow
	err := s.db.WithContext(ctx).
		Table(s.table).
		Where("symbol = ?", symbol).
		Order("ts DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Bar{}, false, nil
	}
	if err != nil {
		return model.Bar{}, false, err
	}
	return row.Bar(), true, nil
}

func (s *GormStore) Recent(ctx context.Context, symbol string, page, limit int) ([]model.Bar, error) {
	var rows []BarRow
	q := s.db.WithContext(ctx).Table(s.table).Where("symbol = ?", symbol).Order("ts DESC")
	if err := orm.ApplyPagination(q, page, limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Bar, len(rows))
	for i, r := range rows {
		out[i] = r.Bar()
	}
	return out, nil
}
