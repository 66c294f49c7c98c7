package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 敏感字段允许从环境变量注入，配置文件里可以留空。
const (
	envAPIKey        = "HELMSMAN_API_KEY"
	envSecretKey     = "HELMSMAN_SECRET_KEY"
	envTelegramToken = "HELMSMAN_TELEGRAM_TOKEN"
	envTelegramChat  = "HELMSMAN_TELEGRAM_CHAT_ID"
)

// Load 读取配置文件（支持 include），应用默认值与环境变量后校验。
func Load(path string) (*Config, error) {
	files, err := resolveConfigIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	setKeys := make(keySet)
	collectSettingsKeys(v.AllSettings(), setKeys)
	cfg.applyDefaults(setKeys)
	cfg.applyEnv(os.Getenv)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	fill := func(target *string, key string) {
		if strings.TrimSpace(*target) != "" {
			return
		}
		if val := strings.TrimSpace(getenv(key)); val != "" {
			*target = val
		}
	}
	fill(&c.Exchange.APIKey, envAPIKey)
	fill(&c.Exchange.SecretKey, envSecretKey)
	fill(&c.Notify.Telegram.BotToken, envTelegramToken)
	fill(&c.Notify.Telegram.ChatID, envTelegramChat)
}

func mergeConfigFile(v *viper.Viper, path string) error {
	part, err := readConfigFile(path)
	if err != nil {
		return err
	}
	return v.MergeConfigMap(part.AllSettings())
}

func readConfigFile(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v, nil
}

// resolveConfigIncludes 按依赖顺序展开 include，被包含的文件先合并，主文件最后覆盖。
func resolveConfigIncludes(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := includeResolver{done: make(map[string]bool), active: make(map[string]bool)}
	if err := r.visit(root); err != nil {
		return nil, err
	}
	return r.order, nil
}

type includeResolver struct {
	done   map[string]bool
	active map[string]bool
	order  []string
}

func (r *includeResolver) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case r.active[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case r.done[path]:
		return nil
	}
	v, err := readConfigFile(path)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	includes, err := includeList(v.Get("include"))
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	r.active[path] = true
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.visit(inc); err != nil {
			return err
		}
	}
	delete(r.active, path)
	r.done[path] = true
	r.order = append(r.order, path)
	return nil
}

func includeList(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}

// collectSettingsKeys 记录配置文件里显式出现过的键（点分路径），默认值只填充未出现的键。
func collectSettingsKeys(settings map[string]any, dest keySet) {
	for k, v := range settings {
		markKeys(strings.ToLower(strings.TrimSpace(k)), v, dest)
	}
}

func markKeys(path string, node any, dest keySet) {
	if path == "" {
		return
	}
	nested, ok := node.(map[string]any)
	if !ok {
		dest.mark(path)
		return
	}
	for k, v := range nested {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			markKeys(path+"."+k, v, dest)
		}
	}
}
