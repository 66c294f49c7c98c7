package reflection

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// WeightStore 持久化 agent 权重。
type WeightStore interface {
	LoadWeights(ctx context.Context) ([]types.AgentWeight, error)
	SaveWeights(ctx context.Context, weights []types.AgentWeight) error
}

// WeightConfig 是权重调整参数。
type WeightConfig struct {
	Bonus     float64
	Penalty   float64
	MinWeight float64
	MaxWeight float64
}

func (c WeightConfig) withDefaults() WeightConfig {
	if c.Bonus <= 0 {
		c.Bonus = 0.05
	}
	if c.Penalty <= 0 {
		c.Penalty = 0.03
	}
	if c.MinWeight <= 0 {
		c.MinWeight = 0.2
	}
	if c.MaxWeight < c.MinWeight {
		c.MaxWeight = 3
	}
	return c
}

// WeightAdjuster 保存每个 agent 的权重倍数：预测正确加 Bonus，错误减 Penalty，始终夹在 [Min, Max]。
type WeightAdjuster struct {
	cfg   WeightConfig
	store WeightStore
	now   func() time.Time

	mu      sync.RWMutex
	weights map[string]types.AgentWeight
}

func NewWeightAdjuster(cfg WeightConfig, store WeightStore) *WeightAdjuster {
	return &WeightAdjuster{
		cfg:     cfg.withDefaults(),
		store:   store,
		now:     time.Now,
		weights: make(map[string]types.AgentWeight),
	}
}

// Load 从存储恢复权重，越界值按当前区间夹紧。
func (w *WeightAdjuster) Load(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	rows, err := w.store.LoadWeights(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, row := range rows {
		if row.AgentID == "" {
			continue
		}
		row.Weight = w.clamp(row.Weight)
		w.weights[row.AgentID] = row
	}
	logger.Infof("Reflection: loaded %d agent weights", len(rows))
	return nil
}

// Weights 返回 agent → 权重的副本，供下一轮共识使用。
func (w *WeightAdjuster) Weights() map[string]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]float64, len(w.weights))
	for id, aw := range w.weights {
		out[id] = aw.Weight
	}
	return out
}

// Weight 返回单个 agent 的权重，未记录时为 1.0。
func (w *WeightAdjuster) Weight(agentID string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if aw, ok := w.weights[agentID]; ok {
		return aw.Weight
	}
	return 1
}

// All 按 agent id 排序返回全部权重记录。
func (w *WeightAdjuster) All() []types.AgentWeight {
	w.mu.RLock()
	out := make([]types.AgentWeight, 0, len(w.weights))
	for _, aw := range w.weights {
		out = append(out, aw)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Apply 按评分调整权重并持久化，返回补全了前后权重的评分。
func (w *WeightAdjuster) Apply(ctx context.Context, scores []types.VoteScore) []types.VoteScore {
	if len(scores) == 0 {
		return scores
	}
	out := make([]types.VoteScore, len(scores))
	w.mu.Lock()
	now := w.now()
	for i, s := range scores {
		aw, ok := w.weights[s.AgentID]
		if !ok {
			aw = types.AgentWeight{AgentID: s.AgentID, Weight: 1}
		}
		s.WeightBefore = aw.Weight
		if s.Correct {
			aw.Weight = w.clamp(aw.Weight + w.cfg.Bonus)
			aw.Correct++
		} else {
			aw.Weight = w.clamp(aw.Weight - w.cfg.Penalty)
			aw.Incorrect++
		}
		aw.UpdatedAt = now
		s.WeightAfter = aw.Weight
		w.weights[s.AgentID] = aw
		out[i] = s
	}
	snapshot := make([]types.AgentWeight, 0, len(w.weights))
	for _, aw := range w.weights {
		snapshot = append(snapshot, aw)
	}
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.SaveWeights(ctx, snapshot); err != nil {
			logger.Warnf("Reflection: persist weights failed: %v", err)
		}
	}
	return out
}

func (w *WeightAdjuster) clamp(v float64) float64 {
	v = math.Round(v*10000) / 10000
	return math.Max(w.cfg.MinWeight, math.Min(w.cfg.MaxWeight, v))
}
