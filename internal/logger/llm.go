package logger

import (
	"io"
	"log"
	"strings"
	"sync"

	"helmsman/internal/pkg/jsonutil"
)

var (
	llmMu  sync.Mutex
	llmLog *log.Logger
)

// SetLLMWriter 设置模型对话的独立日志输出；nil 关闭记录。
func SetLLMWriter(w io.Writer) {
	llmMu.Lock()
	defer llmMu.Unlock()
	if w == nil {
		llmLog = nil
		return
	}
	llmLog = log.New(w, "", log.LstdFlags)
}

type llmSection struct {
	Title string
	Body  string
}

func logLLM(kind, provider, agent string, sections []llmSection) {
	llmMu.Lock()
	out := llmLog
	llmMu.Unlock()
	if out == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[LLM]")
	for _, tag := range []string{kind, provider, agent} {
		if tag == "" {
			continue
		}
		b.WriteString("[" + tag + "]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- " + t + " ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	out.Print(b.String())
}

func LogLLMRequest(kind, provider, agent, systemPrompt, userPrompt string) {
	logLLM(kind+"-request", provider, agent, []llmSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	})
}

func LogLLMResponse(kind, provider, agent, raw string) {
	sections := []llmSection{{Title: "RAW", Body: raw}}
	if obj, ok := jsonutil.IndentObject(raw); ok {
		sections = append(sections, llmSection{Title: "JSON", Body: obj})
	}
	logLLM(kind+"-response", provider, agent, sections)
}
