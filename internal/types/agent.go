package types

import "time"

// AgentVote 是单个分析 agent 的结构化投票，Weight 为采集时的权重快照。
type AgentVote struct {
	AgentID    string    `json:"agent_id"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Weight     float64   `json:"weight"`
}

// AgentWeight 是持久化的 agent 权重倍数。
type AgentWeight struct {
	AgentID   string    `json:"agent_id"`
	Weight    float64   `json:"weight"`
	Correct   int       `json:"correct"`
	Incorrect int       `json:"incorrect"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VoteScore 记录某个 agent 入场投票在复盘时的判定。
type VoteScore struct {
	AgentID      string    `json:"agent_id"`
	Direction    Direction `json:"direction"`
	Confidence   float64   `json:"confidence"`
	Correct      bool      `json:"correct"`
	WeightBefore float64   `json:"weight_before"`
	WeightAfter  float64   `json:"weight_after"`
}

// Reflection 按 trade id 存储的复盘记录，只写一次。
type Reflection struct {
	TradeID   string      `json:"trade_id"`
	Symbol    string      `json:"symbol"`
	Direction Direction   `json:"direction"`
	PnL       float64     `json:"pnl"`
	Reason    CloseReason `json:"reason"`
	Scores    []VoteScore `json:"scores"`
	Note      string      `json:"note"`
	CreatedAt time.Time   `json:"created_at"`
}

func (r Reflection) Accuracy() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	correct := 0
	for _, s := range r.Scores {
		if s.Correct {
			correct++
		}
	}
	return float64(correct) / float64(len(r.Scores))
}

// Outcome 返回 win 或 loss，持平按亏损计。
func (r Reflection) Outcome() string {
	if r.PnL > 0 {
		return "win"
	}
	return "loss"
}
