package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helmsman/internal/market"
	"helmsman/internal/types"
)

// disagreementShare 是多空分歧的少数方占比阈值，超过后风险档位上调一级。
const disagreementShare = 0.4

type riskStage struct {
	startedAt         time.Time
	startupProtection time.Duration
	now               func() time.Time
}

func (riskStage) Name() string { return StageRiskAssessment }

func (r riskStage) Run(_ context.Context, st *State) error {
	if st.Market == nil {
		return errors.New("market snapshot missing")
	}
	ra := AssessRisk(st.Market.Volatility, st.Votes)
	if !ra.Blocked && r.startupConflict(st) {
		ra.Blocked = true
		ra.Reason = fmt.Sprintf("startup protection: votes oppose open %s position", st.Position.Direction)
	}
	st.Risk = &ra
	return nil
}

// startupConflict 在启动保护期内、已有仓位且多数可交易投票站在反方向时成立。
func (r riskStage) startupConflict(st *State) bool {
	if r.startupProtection <= 0 || r.startedAt.IsZero() || !st.Position.HasPosition {
		return false
	}
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	if now.Sub(r.startedAt) >= r.startupProtection {
		return false
	}
	opposing, tradable := 0, 0
	for _, v := range st.Votes {
		if !v.Direction.Tradable() {
			continue
		}
		tradable++
		if v.Direction != st.Position.Direction {
			opposing++
		}
	}
	return tradable > 0 && opposing*2 > tradable
}

// AssessRisk 由波动率给出基础档位，多空明显分歧时上调一级（最多到 high）。
// 只有极端波动才会得到 extreme 并阻断交易。
func AssessRisk(vol market.Volatility, votes []types.AgentVote) RiskAssessment {
	ra := RiskAssessment{Tier: baseTier(vol)}
	if len(votes) > 0 {
		sum := 0.0
		for _, v := range votes {
			sum += v.Confidence
		}
		ra.AvgConfidence = sum / float64(len(votes))
	}
	if ra.Tier != RiskExtreme && split(votes) {
		switch ra.Tier {
		case RiskLow:
			ra.Tier = RiskMedium
		case RiskMedium:
			ra.Tier = RiskHigh
		}
		ra.Reason = "agents disagree on direction"
	}
	if ra.Tier == RiskExtreme {
		ra.Blocked = true
		ra.Reason = "extreme volatility"
	}
	return ra
}

func baseTier(vol market.Volatility) RiskTier {
	switch vol {
	case market.VolatilityLow:
		return RiskLow
	case market.VolatilityHigh:
		return RiskHigh
	case market.VolatilityExtreme:
		return RiskExtreme
	default:
		return RiskMedium
	}
}

func split(votes []types.AgentVote) bool {
	longs, shorts := 0, 0
	for _, v := range votes {
		switch v.Direction {
		case types.DirectionLong:
			longs++
		case types.DirectionShort:
			shorts++
		}
	}
	if longs == 0 || shorts == 0 {
		return false
	}
	return float64(min(longs, shorts))/float64(longs+shorts) >= disagreementShare
}
