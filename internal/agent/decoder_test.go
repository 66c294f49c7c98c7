package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"helmsman/internal/types"
)

func TestDecodeVote(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		status     DecodeStatus
		direction  types.Direction
		confidence float64
	}{
		{
			name:       "strict json",
			raw:        `{"direction":"long","confidence":78,"reasoning":"ema stack bullish"}`,
			status:     DecodeOK,
			direction:  types.DirectionLong,
			confidence: 78,
		},
		{
			name:       "fenced json with prose",
			raw:        "Here is my view:\n```json\n{\"direction\":\"short\",\"confidence\":64}\n```",
			status:     DecodeOK,
			direction:  types.DirectionShort,
			confidence: 64,
		},
		{
			name:       "synonym keys and fractional confidence",
			raw:        `{"action":"BUY","probability":0.7,"reason":"breakout"}`,
			status:     DecodePartial,
			direction:  types.DirectionLong,
			confidence: 70,
		},
		{
			name:       "percent string confidence",
			raw:        `{"direction":"bearish","confidence":"55%"}`,
			status:     DecodePartial,
			direction:  types.DirectionShort,
			confidence: 55,
		},
		{
			name:       "nested vote object",
			raw:        `{"vote":{"signal":"hold","confidence":90}}`,
			status:     DecodePartial,
			direction:  types.DirectionHold,
			confidence: 90,
		},
		{
			name:       "out of range confidence is clamped",
			raw:        `{"direction":"long","confidence":250}`,
			status:     DecodePartial,
			direction:  types.DirectionLong,
			confidence: 100,
		},
		{
			name:       "plain text",
			raw:        "Momentum is bullish, I would go long. Confidence: 72%",
			status:     DecodePartial,
			direction:  types.DirectionLong,
			confidence: 72,
		},
		{
			name:      "contradictory text",
			raw:       "could go long or short, hard to say",
			status:    DecodeUnknown,
			direction: types.DirectionHold,
		},
		{
			name:      "garbage",
			raw:       "%%%",
			status:    DecodeUnknown,
			direction: types.DirectionHold,
		},
		{
			name:      "json without direction falls back to text",
			raw:       `{"mood":"great"}`,
			status:    DecodeUnknown,
			direction: types.DirectionHold,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DecodeVote(tc.raw)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.direction, got.Direction)
			assert.InDelta(t, tc.confidence, got.Confidence, 1e-9)
		})
	}
}
