// Package model 定义持久化表结构；时间统一存毫秒时间戳。
package model

import "gorm.io/datatypes"

type AccountModel struct {
	Symbol        string  `gorm:"column:symbol;primaryKey"`
	Balance       float64 `gorm:"column:balance"`
	UsedMargin    float64 `gorm:"column:used_margin"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	TotalTrades   int     `gorm:"column:total_trades"`
	WinningTrades int     `gorm:"column:winning_trades"`
	LosingTrades  int     `gorm:"column:losing_trades"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (AccountModel) TableName() string { return "accounts" }

// PositionModel 每个品种最多一行，平仓即删除。
type PositionModel struct {
	Symbol           string         `gorm:"column:symbol;primaryKey"`
	TradeID          string         `gorm:"column:trade_id"`
	Direction        string         `gorm:"column:direction"`
	Size             float64        `gorm:"column:size"`
	EntryPrice       float64        `gorm:"column:entry_price"`
	Leverage         int            `gorm:"column:leverage"`
	Margin           float64        `gorm:"column:margin"`
	TakeProfit       float64        `gorm:"column:take_profit"`
	StopLoss         float64        `gorm:"column:stop_loss"`
	LiquidationPrice float64        `gorm:"column:liquidation_price"`
	MarkPrice        float64        `gorm:"column:mark_price"`
	UnrealizedPnL    float64        `gorm:"column:unrealized_pnl"`
	VotesJSON        datatypes.JSON `gorm:"column:votes_json;type:TEXT"`
	OpenedAtUnix     int64          `gorm:"column:opened_at"`
}

func (PositionModel) TableName() string { return "positions" }

type TradeModel struct {
	ID           int64          `gorm:"column:id;primaryKey"`
	TradeID      string         `gorm:"column:trade_id;uniqueIndex"`
	Symbol       string         `gorm:"column:symbol;index:idx_trades_symbol_closed,priority:1"`
	Direction    string         `gorm:"column:direction"`
	EntryPrice   float64        `gorm:"column:entry_price"`
	ExitPrice    float64        `gorm:"column:exit_price"`
	Size         float64        `gorm:"column:size"`
	Leverage     int            `gorm:"column:leverage"`
	Margin       float64        `gorm:"column:margin"`
	PnL          float64        `gorm:"column:pnl"`
	PnLPercent   float64        `gorm:"column:pnl_percent"`
	Reason       string         `gorm:"column:reason"`
	VotesJSON    datatypes.JSON `gorm:"column:votes_json;type:TEXT"`
	OpenedAtUnix int64          `gorm:"column:opened_at"`
	ClosedAtUnix int64          `gorm:"column:closed_at;index:idx_trades_symbol_closed,priority:2"`
}

func (TradeModel) TableName() string { return "trades" }

type EquityModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Symbol        string  `gorm:"column:symbol;index"`
	Equity        float64 `gorm:"column:equity"`
	Balance       float64 `gorm:"column:balance"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	TimestampUnix int64   `gorm:"column:ts"`
}

func (EquityModel) TableName() string { return "equity_points" }

type AgentWeightModel struct {
	AgentID       string  `gorm:"column:agent_id;primaryKey"`
	Weight        float64 `gorm:"column:weight"`
	Correct       int     `gorm:"column:correct"`
	Incorrect     int     `gorm:"column:incorrect"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (AgentWeightModel) TableName() string { return "agent_weights" }

type ReflectionModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	TradeID       string         `gorm:"column:trade_id;uniqueIndex"`
	Symbol        string         `gorm:"column:symbol"`
	Direction     string         `gorm:"column:direction"`
	PnL           float64        `gorm:"column:pnl"`
	Reason        string         `gorm:"column:reason"`
	ScoresJSON    datatypes.JSON `gorm:"column:scores_json;type:TEXT"`
	Note          string         `gorm:"column:note"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (ReflectionModel) TableName() string { return "reflections" }
