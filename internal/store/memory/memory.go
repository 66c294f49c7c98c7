// Package memory 是进程内存储，用于 paper 调试与测试；重启即丢失。
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"helmsman/internal/ledger"
	"helmsman/internal/store"
	"helmsman/internal/types"
)

type symbolState struct {
	account  types.Account
	position *types.Position
	trades   []types.ClosedTrade
	equity   []types.EquityPoint
}

type Store struct {
	mu          sync.RWMutex
	symbols     map[string]*symbolState
	weights     map[string]types.AgentWeight
	reflections []types.Reflection
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		symbols: make(map[string]*symbolState),
		weights: make(map[string]types.AgentWeight),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) state(symbol string) *symbolState {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	st, ok := s.symbols[key]
	if !ok {
		st = &symbolState{}
		s.symbols[key] = st
	}
	return st
}

func (s *Store) SaveAccount(_ context.Context, symbol string, acc types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(symbol).account = acc
	return nil
}

func (s *Store) SavePosition(_ context.Context, symbol string, pos *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos == nil {
		s.state(symbol).position = nil
		return nil
	}
	cp := *pos
	cp.Votes = append([]types.AgentVote(nil), pos.Votes...)
	s.state(symbol).position = &cp
	return nil
}

func (s *Store) AppendTrade(_ context.Context, trade types.ClosedTrade, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(trade.Symbol)
	for _, t := range st.trades {
		if t.TradeID == trade.TradeID {
			return nil
		}
	}
	st.trades = keepLast(append(st.trades, trade), limit)
	return nil
}

func (s *Store) AppendEquity(_ context.Context, symbol string, pt types.EquityPoint, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(symbol)
	st.equity = keepLast(append(st.equity, pt), limit)
	return nil
}

func (s *Store) LoadLedger(_ context.Context, symbol string, tradeLimit, equityLimit int) (ledger.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(strings.TrimSpace(symbol))
	st, ok := s.symbols[key]
	if !ok {
		return ledger.State{}, false, nil
	}
	out := ledger.State{
		Account: st.account,
		Trades:  keepLast(append([]types.ClosedTrade(nil), st.trades...), tradeLimit),
		Equity:  keepLast(append([]types.EquityPoint(nil), st.equity...), equityLimit),
	}
	if st.position != nil {
		cp := *st.position
		out.Position = &cp
	}
	return out, true, nil
}

func (s *Store) LoadWeights(context.Context) ([]types.AgentWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.AgentWeight, 0, len(s.weights))
	for _, w := range s.weights {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *Store) SaveWeights(_ context.Context, weights []types.AgentWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range weights {
		s.weights[w.AgentID] = w
	}
	return nil
}

func (s *Store) HasReflection(_ context.Context, tradeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reflections {
		if r.TradeID == tradeID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SaveReflection(ctx context.Context, r types.Reflection, limit int) error {
	if ok, _ := s.HasReflection(ctx, r.TradeID); ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reflections = keepLast(append(s.reflections, r), limit)
	return nil
}

// ListReflections 新的在前。
func (s *Store) ListReflections(_ context.Context, limit int) ([]types.Reflection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.reflections)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Reflection, 0, n)
	for i := len(s.reflections) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.reflections[i])
	}
	return out, nil
}

func keepLast[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return append([]T(nil), items[len(items)-limit:]...)
}
