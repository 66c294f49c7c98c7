package agent

import (
	"context"
	"fmt"
	"strings"

	"helmsman/internal/gateway/provider"
	"helmsman/internal/logger"
	"helmsman/internal/market"
)

const defaultSystemPrompt = `You are a disciplined crypto futures analyst.
Given a market snapshot and the current position, answer with one JSON object:
{"direction": "long" | "short" | "hold", "confidence": 0-100, "reasoning": "<one paragraph>"}
Prefer "hold" when the evidence is mixed.`

// LLMAnalyst 把快照交给对话模型，再用 DecodeVote 解析回复。
type LLMAnalyst struct {
	AgentID      string
	Provider     provider.ModelProvider
	SystemPrompt string
	// MinStatus 之下的解析结果按失败处理；默认接受 partial。
	MinStatus DecodeStatus
}

func (a *LLMAnalyst) ID() string { return a.AgentID }

func (a *LLMAnalyst) Vote(ctx context.Context, snap market.Snapshot, pos PositionContext) (Vote, error) {
	if a.Provider == nil {
		return Vote{}, fmt.Errorf("agent %s has no provider", a.AgentID)
	}
	system := strings.TrimSpace(a.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt
	}
	user := buildUserPrompt(snap, pos)
	logger.LogLLMRequest("vote", a.Provider.ID(), a.AgentID, system, user)
	raw, err := a.Provider.Call(ctx, provider.ChatPayload{
		System:     system,
		User:       user,
		ExpectJSON: true,
		MaxTokens:  600,
	})
	if err != nil {
		return Vote{}, fmt.Errorf("call %s: %w", a.Provider.ID(), err)
	}
	logger.LogLLMResponse("vote", a.Provider.ID(), a.AgentID, raw)
	decoded := DecodeVote(raw)
	if len(decoded.Issues) > 0 {
		logger.Debugf("Agent: %s decode %s issues=%v", a.AgentID, decoded.Status, decoded.Issues)
	}
	switch decoded.Status {
	case DecodeUnknown:
		return Vote{}, fmt.Errorf("agent %s reply not understood", a.AgentID)
	case DecodePartial:
		if a.MinStatus == DecodeOK {
			return Vote{}, fmt.Errorf("agent %s reply only partially understood", a.AgentID)
		}
	}
	return Vote{
		Direction:  decoded.Direction,
		Confidence: decoded.Confidence,
		Reasoning:  decoded.Reasoning,
	}, nil
}

func buildUserPrompt(snap market.Snapshot, pos PositionContext) string {
	var b strings.Builder
	b.WriteString("## Market\n")
	b.WriteString(snap.Summary())
	b.WriteString("\n\n## Recent closes (oldest first)\n")
	from := max(0, len(snap.Candles)-12)
	for i, c := range snap.Candles[from:] {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%.4f", c.Close)
	}
	b.WriteString("\n\n## Position\n")
	b.WriteString(pos.String())
	b.WriteString("\n")
	return b.String()
}
