package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"helmsman/internal/ledger"
	"helmsman/internal/store"
	storemodel "helmsman/internal/store/model"
	"helmsman/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type (
	accountModel     = storemodel.AccountModel
	positionModel    = storemodel.PositionModel
	tradeModel       = storemodel.TradeModel
	equityModel      = storemodel.EquityModel
	agentWeightModel = storemodel.AgentWeightModel
	reflectionModel  = storemodel.ReflectionModel
)

// GormStore implements ledger, weight and reflection storage using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// NewGormStore opens (or creates) the SQLite file at path and migrates the schema.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&accountModel{},
		&positionModel{},
		&tradeModel{},
		&equityModel{},
		&agentWeightModel{},
		&reflectionModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: HTTP 读与账本写并存，保持少量连接
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

// --------------------------- Ledger -------------------------------------------

func (s *GormStore) SaveAccount(ctx context.Context, symbol string, acc types.Account) error {
	m := accountModel{
		Symbol:        normalizeSymbol(symbol),
		Balance:       acc.Balance,
		UsedMargin:    acc.UsedMargin,
		UnrealizedPnL: acc.UnrealizedPnL,
		RealizedPnL:   acc.RealizedPnL,
		TotalTrades:   acc.TotalTrades,
		WinningTrades: acc.WinningTrades,
		LosingTrades:  acc.LosingTrades,
		UpdatedAtUnix: timeToMillis(acc.UpdatedAt),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(&m).Error
}

// SavePosition upserts the open position; nil deletes it.
func (s *GormStore) SavePosition(ctx context.Context, symbol string, pos *types.Position) error {
	symbol = normalizeSymbol(symbol)
	if pos == nil {
		return s.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&positionModel{}).Error
	}
	m := positionModel{
		Symbol:           symbol,
		TradeID:          pos.TradeID,
		Direction:        string(pos.Direction),
		Size:             pos.Size,
		EntryPrice:       pos.EntryPrice,
		Leverage:         pos.Leverage,
		Margin:           pos.Margin,
		TakeProfit:       pos.TakeProfit,
		StopLoss:         pos.StopLoss,
		LiquidationPrice: pos.LiquidationPrice,
		MarkPrice:        pos.MarkPrice,
		UnrealizedPnL:    pos.UnrealizedPnL,
		VotesJSON:        toJSON(pos.Votes),
		OpenedAtUnix:     timeToMillis(pos.OpenedAt),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(&m).Error
}

// AppendTrade stores a closed trade and keeps the newest limit rows per symbol.
func (s *GormStore) AppendTrade(ctx context.Context, trade types.ClosedTrade, limit int) error {
	m := tradeModel{
		TradeID:      trade.TradeID,
		Symbol:       normalizeSymbol(trade.Symbol),
		Direction:    string(trade.Direction),
		EntryPrice:   trade.EntryPrice,
		ExitPrice:    trade.ExitPrice,
		Size:         trade.Size,
		Leverage:     trade.Leverage,
		Margin:       trade.Margin,
		PnL:          trade.PnL,
		PnLPercent:   trade.PnLPercent,
		Reason:       string(trade.Reason),
		VotesJSON:    toJSON(trade.Votes),
		OpenedAtUnix: timeToMillis(trade.OpenedAt),
		ClosedAtUnix: timeToMillis(trade.ClosedAt),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trade_id"}},
			DoNothing: true,
		}).Create(&m).Error; err != nil {
			return err
		}
		return trimBySymbol(tx, &tradeModel{}, m.Symbol, limit)
	})
}

func (s *GormStore) AppendEquity(ctx context.Context, symbol string, pt types.EquityPoint, limit int) error {
	m := equityModel{
		Symbol:        normalizeSymbol(symbol),
		Equity:        pt.Equity,
		Balance:       pt.Balance,
		UnrealizedPnL: pt.UnrealizedPnL,
		TimestampUnix: timeToMillis(pt.Timestamp),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		return trimBySymbol(tx, &equityModel{}, m.Symbol, limit)
	})
}

// LoadLedger returns found=false when the symbol has never been persisted.
func (s *GormStore) LoadLedger(ctx context.Context, symbol string, tradeLimit, equityLimit int) (ledger.State, bool, error) {
	symbol = normalizeSymbol(symbol)
	db := s.db.WithContext(ctx)
	var st ledger.State

	var acc accountModel
	err := db.Where("symbol = ?", symbol).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	st.Account = types.Account{
		Balance:       acc.Balance,
		UsedMargin:    acc.UsedMargin,
		UnrealizedPnL: acc.UnrealizedPnL,
		RealizedPnL:   acc.RealizedPnL,
		TotalTrades:   acc.TotalTrades,
		WinningTrades: acc.WinningTrades,
		LosingTrades:  acc.LosingTrades,
		UpdatedAt:     millisToTime(acc.UpdatedAtUnix),
	}

	var pos positionModel
	err = db.Where("symbol = ?", symbol).First(&pos).Error
	switch {
	case err == nil:
		p := types.Position{
			TradeID:          pos.TradeID,
			Symbol:           pos.Symbol,
			Direction:        types.Direction(pos.Direction),
			Size:             pos.Size,
			EntryPrice:       pos.EntryPrice,
			Leverage:         pos.Leverage,
			Margin:           pos.Margin,
			TakeProfit:       pos.TakeProfit,
			StopLoss:         pos.StopLoss,
			LiquidationPrice: pos.LiquidationPrice,
			MarkPrice:        pos.MarkPrice,
			UnrealizedPnL:    pos.UnrealizedPnL,
			OpenedAt:         millisToTime(pos.OpenedAtUnix),
		}
		fromJSON(pos.VotesJSON, &p.Votes)
		st.Position = &p
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return st, false, err
	}

	var trades []tradeModel
	if err := newestFirst(db, symbol, "closed_at", tradeLimit).Find(&trades).Error; err != nil {
		return st, false, err
	}
	st.Trades = make([]types.ClosedTrade, 0, len(trades))
	for i := len(trades) - 1; i >= 0; i-- {
		st.Trades = append(st.Trades, tradeModelToRecord(trades[i]))
	}

	var points []equityModel
	if err := newestFirst(db, symbol, "ts", equityLimit).Find(&points).Error; err != nil {
		return st, false, err
	}
	st.Equity = make([]types.EquityPoint, 0, len(points))
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		st.Equity = append(st.Equity, types.EquityPoint{
			Timestamp:     millisToTime(p.TimestampUnix),
			Equity:        p.Equity,
			Balance:       p.Balance,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return st, true, nil
}

// --------------------------- Weights ------------------------------------------

func (s *GormStore) LoadWeights(ctx context.Context) ([]types.AgentWeight, error) {
	var rows []agentWeightModel
	if err := s.db.WithContext(ctx).Order("agent_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.AgentWeight, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.AgentWeight{
			AgentID:   r.AgentID,
			Weight:    r.Weight,
			Correct:   r.Correct,
			Incorrect: r.Incorrect,
			UpdatedAt: millisToTime(r.UpdatedAtUnix),
		})
	}
	return out, nil
}

func (s *GormStore) SaveWeights(ctx context.Context, weights []types.AgentWeight) error {
	if len(weights) == 0 {
		return nil
	}
	rows := make([]agentWeightModel, 0, len(weights))
	for _, w := range weights {
		rows = append(rows, agentWeightModel{
			AgentID:       w.AgentID,
			Weight:        w.Weight,
			Correct:       w.Correct,
			Incorrect:     w.Incorrect,
			UpdatedAtUnix: timeToMillis(w.UpdatedAt),
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		UpdateAll: true,
	}).Create(&rows).Error
}

// --------------------------- Reflections --------------------------------------

func (s *GormStore) HasReflection(ctx context.Context, tradeID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&reflectionModel{}).Where("trade_id = ?", tradeID).Count(&n).Error
	return n > 0, err
}

// SaveReflection is write-once per trade id and keeps the newest limit rows.
func (s *GormStore) SaveReflection(ctx context.Context, r types.Reflection, limit int) error {
	m := reflectionModel{
		TradeID:       r.TradeID,
		Symbol:        normalizeSymbol(r.Symbol),
		Direction:     string(r.Direction),
		PnL:           r.PnL,
		Reason:        string(r.Reason),
		ScoresJSON:    toJSON(r.Scores),
		Note:          r.Note,
		CreatedAtUnix: timeToMillis(r.CreatedAt),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trade_id"}},
			DoNothing: true,
		}).Create(&m).Error; err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}
		keep := tx.Model(&reflectionModel{}).Select("id").Order("id DESC").Limit(limit)
		return tx.Where("id NOT IN (?)", keep).Delete(&reflectionModel{}).Error
	})
}

func (s *GormStore) ListReflections(ctx context.Context, limit int) ([]types.Reflection, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []reflectionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Reflection, 0, len(rows))
	for _, m := range rows {
		r := types.Reflection{
			TradeID:   m.TradeID,
			Symbol:    m.Symbol,
			Direction: types.Direction(m.Direction),
			PnL:       m.PnL,
			Reason:    types.CloseReason(m.Reason),
			Note:      m.Note,
			CreatedAt: millisToTime(m.CreatedAtUnix),
		}
		fromJSON(m.ScoresJSON, &r.Scores)
		out = append(out, r)
	}
	return out, nil
}

// --------------------------- Helper Functions ---------------------------------

// trimBySymbol 删除某品种超出 limit 的最旧记录；limit<=0 不裁剪。
func trimBySymbol(tx *gorm.DB, model interface{}, symbol string, limit int) error {
	if limit <= 0 {
		return nil
	}
	keep := tx.Model(model).Select("id").Where("symbol = ?", symbol).Order("id DESC").Limit(limit)
	return tx.Where("symbol = ? AND id NOT IN (?)", symbol, keep).Delete(model).Error
}

func newestFirst(db *gorm.DB, symbol, column string, limit int) *gorm.DB {
	q := db.Where("symbol = ?", symbol).Order(column + " DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

func tradeModelToRecord(m tradeModel) types.ClosedTrade {
	t := types.ClosedTrade{
		TradeID:    m.TradeID,
		Symbol:     m.Symbol,
		Direction:  types.Direction(m.Direction),
		EntryPrice: m.EntryPrice,
		ExitPrice:  m.ExitPrice,
		Size:       m.Size,
		Leverage:   m.Leverage,
		Margin:     m.Margin,
		PnL:        m.PnL,
		PnLPercent: m.PnLPercent,
		Reason:     types.CloseReason(m.Reason),
		OpenedAt:   millisToTime(m.OpenedAtUnix),
		ClosedAt:   millisToTime(m.ClosedAtUnix),
	}
	fromJSON(m.VotesJSON, &t.Votes)
	return t
}

func toJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}

func fromJSON(data datatypes.JSON, dst interface{}) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, dst)
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
