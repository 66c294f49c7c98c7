package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"helmsman/internal/types"
)

var errNoVotes = errors.New("no votes to aggregate")

// Aggregate 对投票加权求和：得分最高的方向胜出，并列时观望。
// 置信度 = 胜出方向得分 / 全部投票权重之和。
func Aggregate(votes []types.AgentVote) Consensus {
	scores := map[types.Direction]float64{
		types.DirectionLong:  0,
		types.DirectionShort: 0,
		types.DirectionHold:  0,
	}
	total := 0.0
	for _, v := range votes {
		if !v.Direction.Valid() || v.Weight <= 0 {
			continue
		}
		scores[v.Direction] += v.Confidence * v.Weight
		total += v.Weight
	}
	out := Consensus{Direction: types.DirectionHold, Scores: scores, TotalWeight: total}
	if total <= 0 {
		out.Summary = "no weighted votes"
		return out
	}

	order := []types.Direction{types.DirectionLong, types.DirectionShort, types.DirectionHold}
	sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })
	best, runnerUp := order[0], order[1]
	tied := math.Abs(scores[best]-scores[runnerUp]) < 1e-9
	if !tied {
		out.Direction = best
		out.Confidence = math.Round(scores[best]/total*100) / 100
	}
	out.Summary = summarize(out, votes, tied)
	return out
}

func summarize(c Consensus, votes []types.AgentVote, tied bool) string {
	var b strings.Builder
	if tied {
		b.WriteString("tie between top directions, holding")
	} else {
		fmt.Fprintf(&b, "%s wins with confidence %.1f", c.Direction, c.Confidence)
	}
	fmt.Fprintf(&b, " (long %.1f / short %.1f / hold %.1f over weight %.2f).",
		c.Scores[types.DirectionLong], c.Scores[types.DirectionShort], c.Scores[types.DirectionHold], c.TotalWeight)
	for _, v := range votes {
		fmt.Fprintf(&b, " %s: %s %.0f x%.2f", v.AgentID, v.Direction, v.Confidence, v.Weight)
		if r := firstSentence(v.Reasoning); r != "" {
			b.WriteString(" - ")
			b.WriteString(r)
		}
		b.WriteString(";")
	}
	return strings.TrimSuffix(b.String(), ";")
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// consensusStage 聚合投票，没有任何投票时转入 fallback。
type consensusStage struct{}

func (consensusStage) Name() string { return StageConsensus }

func (consensusStage) Run(_ context.Context, st *State) error {
	if len(st.Votes) == 0 {
		return errNoVotes
	}
	c := Aggregate(st.Votes)
	st.Consensus = &c
	return nil
}
