package agent

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"helmsman/internal/gateway/provider"
	"helmsman/internal/logger"
)

const (
	KindEMATrend     = "ema_trend"
	KindRSIReversion = "rsi_reversion"
	KindMACDMomentum = "macd_momentum"
	KindLLM          = "llm"
)

// Spec 描述 roster 文件中的一个 agent。
type Spec struct {
	ID      string             `yaml:"id"`
	Kind    string             `yaml:"kind"`
	Enabled *bool              `yaml:"enabled"`
	Params  map[string]float64 `yaml:"params"`
	LLM     LLMSpec            `yaml:"llm"`
}

type LLMSpec struct {
	BaseURL        string            `yaml:"base_url"`
	Model          string            `yaml:"model"`
	APIKeyEnv      string            `yaml:"api_key_env"`
	SystemPrompt   string            `yaml:"system_prompt"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Temperature    float64           `yaml:"temperature"`
	Headers        map[string]string `yaml:"headers"`
	StrictDecode   bool              `yaml:"strict_decode"`
}

func (s Spec) enabled() bool { return s.Enabled == nil || *s.Enabled }

func (s Spec) param(key string) float64 { return s.Params[key] }

type rosterFile struct {
	Agents []Spec `yaml:"agents"`
}

// DefaultSpecs 是没有 roster 文件时使用的三个指标 agent。
func DefaultSpecs() []Spec {
	return []Spec{
		{ID: "ema_trend", Kind: KindEMATrend},
		{ID: "rsi_reversion", Kind: KindRSIReversion},
		{ID: "macd_momentum", Kind: KindMACDMomentum},
	}
}

// Build 根据 spec 构造 analyst，getenv 用于读取 LLM 密钥。
func Build(spec Spec, getenv func(string) string) (Analyst, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case KindEMATrend:
		return EMATrendAnalyst{AgentID: id, Fast: int(spec.param("fast")), Slow: int(spec.param("slow"))}, nil
	case KindRSIReversion:
		return RSIReversionAnalyst{
			AgentID:    id,
			Period:     int(spec.param("period")),
			Oversold:   spec.param("oversold"),
			Overbought: spec.param("overbought"),
		}, nil
	case KindMACDMomentum:
		return MACDMomentumAnalyst{
			AgentID: id,
			Fast:    int(spec.param("fast")),
			Slow:    int(spec.param("slow")),
			Signal:  int(spec.param("signal")),
		}, nil
	case KindLLM:
		if strings.TrimSpace(spec.LLM.Model) == "" {
			return nil, fmt.Errorf("agent %s: llm.model is required", id)
		}
		var key string
		if env := strings.TrimSpace(spec.LLM.APIKeyEnv); env != "" && getenv != nil {
			key = getenv(env)
		}
		client := &provider.OpenAIChatClient{
			ProviderID:   id,
			BaseURL:      spec.LLM.BaseURL,
			APIKey:       key,
			Model:        spec.LLM.Model,
			Temperature:  spec.LLM.Temperature,
			Timeout:      time.Duration(spec.LLM.TimeoutSeconds) * time.Second,
			ExtraHeaders: spec.LLM.Headers,
		}
		a := &LLMAnalyst{AgentID: id, Provider: client, SystemPrompt: spec.LLM.SystemPrompt}
		if spec.LLM.StrictDecode {
			a.MinStatus = DecodeOK
		}
		return a, nil
	default:
		return nil, fmt.Errorf("agent %s: unknown kind %q", id, spec.Kind)
	}
}

// BuildAll 构造所有启用的 agent，重复 id 与构造失败的条目会被跳过并记录。
func BuildAll(specs []Spec, getenv func(string) string) []Analyst {
	out := make([]Analyst, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if !spec.enabled() {
			continue
		}
		a, err := Build(spec, getenv)
		if err != nil {
			logger.Warnf("Roster: skip agent: %v", err)
			continue
		}
		if seen[a.ID()] {
			logger.Warnf("Roster: duplicate agent id %s ignored", a.ID())
			continue
		}
		seen[a.ID()] = true
		out = append(out, a)
	}
	return out
}

// RosterSnapshot 是某一版本的 agent 集合。
type RosterSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Analysts []Analyst
}

// ChangeListener 在 roster 重载后触发。
type ChangeListener func(RosterSnapshot)

// Roster 持有当前 agent 集合，文件变更时热加载。
type Roster struct {
	path   string
	getenv func(string) string

	mu        sync.RWMutex
	snapshot  RosterSnapshot
	listeners []ChangeListener
}

// NewStaticRoster 返回固定 agent 集合的 roster。
func NewStaticRoster(analysts ...Analyst) *Roster {
	return &Roster{snapshot: RosterSnapshot{Version: 1, LoadedAt: time.Now(), Analysts: analysts}}
}

// LoadRoster 读取 roster 文件；watch 为 true 时通过 viper 监听文件变化。
func LoadRoster(path string, watch bool, getenv func(string) string) (*Roster, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("agent roster requires path")
	}
	r := &Roster{path: path, getenv: getenv}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read agent roster failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.reload(); err != nil {
				logger.Errorf("Roster: reload failed, keeping previous agents: %v", err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
	}
	return r, nil
}

func (r *Roster) Analysts() []Analyst {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Analyst(nil), r.snapshot.Analysts...)
}

func (r *Roster) Snapshot() RosterSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := r.snapshot
	snap.Analysts = append([]Analyst(nil), snap.Analysts...)
	return snap
}

// IDs 返回当前 agent id 列表。
func (r *Roster) IDs() []string {
	analysts := r.Analysts()
	ids := make([]string, len(analysts))
	for i, a := range analysts {
		ids[i] = a.ID()
	}
	return ids
}

func (r *Roster) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Roster) reload() error {
	specs, err := readRosterFile(r.path)
	if err != nil {
		return err
	}
	analysts := BuildAll(specs, r.getenv)
	if len(analysts) == 0 {
		return fmt.Errorf("agent roster %s has no usable agents", r.path)
	}
	r.mu.Lock()
	r.snapshot = RosterSnapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Analysts: analysts,
	}
	r.mu.Unlock()
	logger.Infof("Roster: loaded %d agents from %s", len(analysts), filepath.Base(r.path))
	return nil
}

func (r *Roster) notifyListeners() {
	snap := r.Snapshot()
	r.mu.RLock()
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("Roster: listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func readRosterFile(path string) ([]Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent roster failed: %w", err)
	}
	var file rosterFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse agent roster failed: %w", err)
	}
	return file.Agents, nil
}
