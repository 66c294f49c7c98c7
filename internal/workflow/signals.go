package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"helmsman/internal/agent"
	"helmsman/internal/guard"
	"helmsman/internal/logger"
	"helmsman/internal/market"
	"helmsman/internal/types"
)

// AnalystSource 提供当前名册。
type AnalystSource interface {
	Analysts() []agent.Analyst
}

// WeightSource 提供 agent 权重倍数，缺失的 agent 视为 1.0。
type WeightSource interface {
	Weights() map[string]float64
}

type signalStage struct {
	analysts AnalystSource
	weights  WeightSource
	ledger   guard.LedgerView
	timeout  time.Duration
}

func (signalStage) Name() string { return StageSignalGeneration }

// Run 并行收集投票。单个 agent 失败只会缺席，全部缺席才算阶段失败。
func (s signalStage) Run(ctx context.Context, st *State) error {
	if st.Market == nil {
		return errors.New("market snapshot missing")
	}
	analysts := s.analysts.Analysts()
	if len(analysts) == 0 {
		return errors.New("no analysts configured")
	}
	if s.ledger != nil {
		acc := s.ledger.Account()
		var posPtr *types.Position
		if pos, ok := s.ledger.Position(); ok {
			posPtr = &pos
		}
		st.Position = agent.NewPositionContext(acc, posPtr)
	}
	weights := map[string]float64{}
	if s.weights != nil {
		weights = s.weights.Weights()
	}
	snap := *st.Market

	var (
		mu    sync.Mutex
		votes = make([]types.AgentVote, 0, len(analysts))
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, a := range analysts {
		if a == nil {
			continue
		}
		a := a
		group.Go(func() error {
			vote, err := s.collect(groupCtx, a, snap, st.Position)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				st.VoteErrors[a.ID()] = err.Error()
				logger.Warnf("Workflow: agent %s vote failed: %v", a.ID(), err)
				return nil
			}
			w, ok := weights[a.ID()]
			if !ok || w <= 0 {
				w = 1
			}
			votes = append(votes, types.AgentVote{
				AgentID:    a.ID(),
				Direction:  vote.Direction,
				Confidence: vote.Confidence,
				Reasoning:  vote.Reasoning,
				Weight:     w,
			})
			return nil
		})
	}
	_ = group.Wait()
	if len(votes) == 0 {
		return fmt.Errorf("all %d agents failed: %s", len(analysts), joinErrors(st.VoteErrors))
	}
	st.Votes = sortVotes(votes, analysts)
	return nil
}

func (s signalStage) collect(ctx context.Context, a agent.Analyst, snap market.Snapshot, pos agent.PositionContext) (vote agent.Vote, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Workflow: agent %s panic: %v\n%s", a.ID(), r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	vote, err = a.Vote(ctx, snap, pos)
	if err != nil {
		return agent.Vote{}, err
	}
	if !vote.Direction.Valid() {
		return agent.Vote{}, fmt.Errorf("invalid direction %q", vote.Direction)
	}
	vote.Confidence = clamp(vote.Confidence, 0, 100)
	return vote, nil
}

// sortVotes 按名册顺序输出，保证同一组投票的摘要稳定。
func sortVotes(votes []types.AgentVote, analysts []agent.Analyst) []types.AgentVote {
	rank := make(map[string]int, len(analysts))
	for i, a := range analysts {
		if a != nil {
			rank[a.ID()] = i
		}
	}
	out := append([]types.AgentVote(nil), votes...)
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i].AgentID] < rank[out[j].AgentID] })
	return out
}

func joinErrors(errs map[string]string) string {
	parts := make([]string, 0, len(errs))
	for id, msg := range errs {
		parts = append(parts, id+": "+msg)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
