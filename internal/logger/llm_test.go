package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLLMLog(t *testing.T) {
	var buf bytes.Buffer
	SetLLMWriter(&buf)
	t.Cleanup(func() { SetLLMWriter(nil) })

	LogLLMRequest("vote", "openai", "llm_analyst", "be terse", "BTCUSDT 1h trend=uptrend")
	LogLLMResponse("vote", "openai", "llm_analyst", "```json\n{\"direction\":\"long\"}\n```")

	out := buf.String()
	assert.Contains(t, out, "[LLM][vote-request][openai][llm_analyst]")
	assert.Contains(t, out, "--- SYSTEM ---\nbe terse\n")
	assert.Contains(t, out, "--- USER ---\nBTCUSDT 1h trend=uptrend\n")
	assert.Contains(t, out, "[vote-response]")
	assert.Contains(t, out, "--- JSON ---\n{\n  \"direction\": \"long\"\n}\n")

	SetLLMWriter(nil)
	buf.Reset()
	LogLLMResponse("vote", "openai", "x", "ignored")
	assert.Empty(t, buf.String())
}
