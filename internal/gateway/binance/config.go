package binance

import (
	"strings"
	"time"
)

type Config struct {
	APIKey      string
	SecretKey   string
	RESTBaseURL string
	HTTPTimeout time.Duration
	// MarginType 默认逐仓，与本地账本的爆仓模型一致。
	MarginType string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.MarginType = strings.ToUpper(strings.TrimSpace(out.MarginType))
	if out.MarginType == "" {
		out.MarginType = "ISOLATED"
	}
	return out
}

func (c Config) authenticated() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.SecretKey) != ""
}
