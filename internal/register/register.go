// Package register 记录每个交易员当日已成交的 locate。
package register

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"locates-desk/internal/clock"
	"locates-desk/internal/config"
)

// Purchase 为一条成交记录。
type Purchase struct {
	ID          int64     `db:"id" json:"-"`
	Trader      string    `db:"trader" json:"trader"`
	Ticker      string    `db:"ticker" json:"ticker"`
	Price       float64   `db:"price" json:"price"`
	Quantity    int       `db:"quantity" json:"quantity"`
	TradingDate string    `db:"trading_date" json:"trading_date"`
	PurchasedAt time.Time `db:"purchased_at" json:"purchased_at"`
}

// Register 按交易日保存成交记录，换日后查询自动只返回新一天的数据。
type Register struct {
	db     *sqlx.DB
	cfg    config.RegisterConfig
	clock  clock.Clock
	logger *zap.Logger
}

// New 创建成交登记簿并初始化表结构。
func New(db *sqlx.DB, cfg config.RegisterConfig, clk clock.Clock, logger *zap.Logger) (*Register, error) {
	if db == nil {
		return nil, errors.New("register: 数据库实例不能为空")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Register{db: db, cfg: cfg, clock: clk, logger: logger}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Register) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS locate_purchases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trader TEXT NOT NULL,
			ticker TEXT NOT NULL,
			price REAL NOT NULL,
			quantity INTEGER NOT NULL,
			trading_date TEXT NOT NULL,
			purchased_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_locate_purchases_day ON locate_purchases(trading_date, trader);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("register: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// TraderKey 返回交易员的规范化名称，上下文、队列归属与成交记录都以它为键。
func TraderKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Record 记录一笔成交，交易日由当前时间与 reset_hour 决定。
func (r *Register) Record(ctx context.Context, trader, ticker string, price float64, quantity int) (Purchase, error) {
	trader = TraderKey(trader)
	if trader == "" || ticker == "" {
		return Purchase{}, errors.New("register: trader 与 ticker 不能为空")
	}

	now := r.clock.Now().UTC()
	p := Purchase{
		Trader:      trader,
		Ticker:      ticker,
		Price:       price,
		Quantity:    quantity,
		TradingDate: tradingDay(now, r.cfg.ResetHour),
		PurchasedAt: now,
	}

	res, err := r.db.NamedExecContext(ctx,
		`INSERT INTO locate_purchases (trader, ticker, price, quantity, trading_date, purchased_at)
		 VALUES (:trader, :ticker, :price, :quantity, :trading_date, :purchased_at)`, p)
	if err != nil {
		return Purchase{}, fmt.Errorf("register: 写入成交记录失败: %w", err)
	}
	if id, idErr := res.LastInsertId(); idErr == nil {
		p.ID = id
	}

	r.logger.Info("已登记成交",
		zap.String("trader", trader),
		zap.String("ticker", ticker),
		zap.Float64("price", price),
		zap.Int("quantity", quantity),
		zap.String("trading_date", p.TradingDate),
	)
	return p, nil
}

// History 返回交易员当日的成交记录。
func (r *Register) History(ctx context.Context, trader string) ([]Purchase, error) {
	day := tradingDay(r.clock.Now(), r.cfg.ResetHour)

	var out []Purchase
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, trader, ticker, price, quantity, trading_date, purchased_at
		 FROM locate_purchases WHERE trading_date = ? AND trader = ? ORDER BY id`,
		day, TraderKey(trader))
	if err != nil {
		return nil, fmt.Errorf("register: 查询成交记录失败: %w", err)
	}
	if out == nil {
		out = []Purchase{}
	}
	return out, nil
}

// HistoryAll 返回当日所有交易员的成交记录。
func (r *Register) HistoryAll(ctx context.Context) (map[string][]Purchase, error) {
	day := tradingDay(r.clock.Now(), r.cfg.ResetHour)

	var rows []Purchase
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, trader, ticker, price, quantity, trading_date, purchased_at
		 FROM locate_purchases WHERE trading_date = ? ORDER BY trader, id`, day)
	if err != nil {
		return nil, fmt.Errorf("register: 查询成交记录失败: %w", err)
	}

	out := make(map[string][]Purchase)
	for _, p := range rows {
		out[p.Trader] = append(out[p.Trader], p)
	}
	return out, nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	return shifted.Format("2006-01-02")
}
