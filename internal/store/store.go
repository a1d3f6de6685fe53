// Package store keeps a sqlite mirror of trades and account snapshots for
// offline analysis. The hub files remain the GUI contract; the store is
// best-effort.
package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

// Models

type Trade struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	Ts             int64
	Symbol         string `gorm:"index"`
	Side           string
	Tag            string
	Qty            decimal.Decimal `gorm:"type:decimal(30,12)"`
	Price          decimal.Decimal `gorm:"type:decimal(30,12)"`
	AvgCostBasis   decimal.Decimal `gorm:"type:decimal(30,12)"`
	PnLPct         decimal.Decimal `gorm:"type:decimal(12,4)"`
	RealizedProfit decimal.Decimal `gorm:"type:decimal(20,6)"`
	OrderID        string
	CreatedAt      time.Time
}

type AccountSnapshot struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	Ts         int64
	TotalValue decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt  time.Time
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Trade{}, &AccountSnapshot{}); err != nil {
		return nil, err
	}
	log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	return &Store{db: db}, nil
}

func (s *Store) SaveTrade(trade *Trade) error {
	return s.db.Create(trade).Error
}

func (s *Store) SaveSnapshot(snapshot *AccountSnapshot) error {
	return s.db.Create(snapshot).Error
}

func (s *Store) RecentTrades(symbol string, limit int) ([]Trade, error) {
	var trades []Trade
	q := s.db.Order("ts desc").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	err := q.Find(&trades).Error
	return trades, err
}

// TotalRealizedProfit sums realized profit over every recorded sell.
func (s *Store) TotalRealizedProfit() (decimal.Decimal, error) {
	var trades []Trade
	if err := s.db.Where("side = ?", "sell").Find(&trades).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.RealizedProfit)
	}
	return total, nil
}
