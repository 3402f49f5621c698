package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB      DBConfig
	YouTube YouTubeConfig
	Target  TargetConfig
	Engine  EngineConfig
	Earning EarningConfig
	HTTP    HTTPConfig
}

type DBConfig struct {
	Path   string
	Tuning bool
}

type YouTubeConfig struct {
	Token     string
	TokenFile string
	APIBase   string
	TimeoutMS int
	SendRPS   int
	SendBurst int
}

type TargetConfig struct {
	FilePath           string
	MonitorIntervalSec int
	Watch              bool
}

type EngineConfig struct {
	PollIntervalMS int
	MaxFailures    int
	DedupCapacity  int
}

type EarningConfig struct {
	Enabled         bool
	Amount          int
	IntervalSeconds int
	CurrencyName    string
	CurrencySymbol  string
}

type HTTPConfig struct {
	Addr        string
	RatePerMin  int
	Burst       int
	Metrics     bool
	AccessLog   bool
	CORSOrigins []string
}

const (
	defaultDBPath          = "chatledger.db"
	defaultTargetFile      = "live_chat_id.json"
	defaultMonitorSec      = 300
	defaultPollIntervalMS  = 5000
	defaultMaxFailures     = 5
	defaultDedupCapacity   = 1000
	defaultEarningAmount   = 10
	defaultEarningInterval = 60
	defaultCurrencyName    = "points"
	defaultHTTPAddr        = ":8080"
	defaultRatePerMin      = 120
	defaultBurst           = 30
)

func Load() Config {
	cfg := Config{}

	cfg.DB.Path = strings.TrimSpace(os.Getenv("CHATLEDGER_DB_PATH"))
	if cfg.DB.Path == "" {
		cfg.DB.Path = defaultDBPath
	}
	cfg.DB.Tuning = readBool("CHATLEDGER_SQLITE_TUNING", false)

	cfg.YouTube.Token = strings.TrimSpace(os.Getenv("CHATLEDGER_YT_TOKEN"))
	cfg.YouTube.TokenFile = strings.TrimSpace(os.Getenv("CHATLEDGER_YT_TOKEN_FILE"))
	cfg.YouTube.APIBase = strings.TrimSpace(os.Getenv("CHATLEDGER_YT_API_BASE"))
	cfg.YouTube.TimeoutMS = readInt("CHATLEDGER_YT_TIMEOUT_MS", 15000)
	cfg.YouTube.SendRPS = readInt("CHATLEDGER_YT_SEND_RPS", 1)
	cfg.YouTube.SendBurst = readInt("CHATLEDGER_YT_SEND_BURST", 3)

	cfg.Target.FilePath = strings.TrimSpace(os.Getenv("CHATLEDGER_TARGET_FILE"))
	if cfg.Target.FilePath == "" {
		cfg.Target.FilePath = defaultTargetFile
	}
	cfg.Target.MonitorIntervalSec = readInt("CHATLEDGER_TARGET_MONITOR_SEC", defaultMonitorSec)
	cfg.Target.Watch = readBoolDefaultTrue("CHATLEDGER_TARGET_WATCH", true)

	cfg.Engine.PollIntervalMS = readInt("CHATLEDGER_POLL_INTERVAL_MS", defaultPollIntervalMS)
	cfg.Engine.MaxFailures = readInt("CHATLEDGER_MAX_FAILURES", defaultMaxFailures)
	cfg.Engine.DedupCapacity = readInt("CHATLEDGER_DEDUP_CAPACITY", defaultDedupCapacity)

	cfg.Earning.Enabled = readBoolDefaultTrue("CHATLEDGER_EARNING_ENABLED", true)
	cfg.Earning.Amount = readInt("CHATLEDGER_EARNING_AMOUNT", defaultEarningAmount)
	cfg.Earning.IntervalSeconds = readInt("CHATLEDGER_EARNING_INTERVAL_SEC", defaultEarningInterval)
	cfg.Earning.CurrencyName = strings.TrimSpace(os.Getenv("CHATLEDGER_CURRENCY_NAME"))
	if cfg.Earning.CurrencyName == "" {
		cfg.Earning.CurrencyName = defaultCurrencyName
	}
	cfg.Earning.CurrencySymbol = strings.TrimSpace(os.Getenv("CHATLEDGER_CURRENCY_SYMBOL"))

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("CHATLEDGER_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}
	cfg.HTTP.RatePerMin = readInt("CHATLEDGER_HTTP_RATE_PER_MIN", defaultRatePerMin)
	cfg.HTTP.Burst = readInt("CHATLEDGER_HTTP_BURST", defaultBurst)
	cfg.HTTP.Metrics = readBoolDefaultTrue("CHATLEDGER_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("CHATLEDGER_HTTP_ACCESS_LOG", false)
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("CHATLEDGER_HTTP_CORS_ORIGINS"))

	return cfg
}

// ResolveToken returns the API token, preferring the inline value and falling
// back to the token file.
func (c Config) ResolveToken() (string, error) {
	if c.YouTube.Token != "" {
		return c.YouTube.Token, nil
	}
	if c.YouTube.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.YouTube.TokenFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c Config) PollInterval() time.Duration {
	if c.Engine.PollIntervalMS <= 0 {
		return time.Duration(defaultPollIntervalMS) * time.Millisecond
	}
	return time.Duration(c.Engine.PollIntervalMS) * time.Millisecond
}

func (c Config) MonitorInterval() time.Duration {
	if c.Target.MonitorIntervalSec <= 0 {
		return defaultMonitorSec * time.Second
	}
	return time.Duration(c.Target.MonitorIntervalSec) * time.Second
}

func (c Config) YouTubeTimeout() time.Duration {
	if c.YouTube.TimeoutMS <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.YouTube.TimeoutMS) * time.Millisecond
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func readBoolDefaultTrue(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

type Summary struct {
	DBPath  string         `json:"db_path"`
	Tuning  bool           `json:"sqlite_tuning"`
	YouTube YouTubeSummary `json:"yt"`
	Target  TargetSummary  `json:"target"`
	Engine  EngineSummary  `json:"engine"`
	Earning EarningSummary `json:"earning"`
	HTTP    HTTPSummary    `json:"http"`
}

type YouTubeSummary struct {
	Token     string `json:"token,omitempty"`
	TokenFile string `json:"token_file,omitempty"`
	APIBase   string `json:"api_base,omitempty"`
	TimeoutMS int    `json:"timeout_ms"`
}

type TargetSummary struct {
	FilePath   string `json:"file"`
	MonitorSec int    `json:"monitor_sec"`
	Watch      bool   `json:"watch"`
}

type EngineSummary struct {
	PollIntervalMS int `json:"poll_ms"`
	MaxFailures    int `json:"max_failures"`
	DedupCapacity  int `json:"dedup_capacity"`
}

type EarningSummary struct {
	Enabled     bool   `json:"enabled"`
	Amount      int    `json:"amount"`
	IntervalSec int    `json:"interval_sec"`
	Currency    string `json:"currency"`
}

type HTTPSummary struct {
	Addr       string `json:"addr"`
	RatePerMin int    `json:"rate_per_min"`
	Metrics    bool   `json:"metrics"`
	AccessLog  bool   `json:"access_log"`
	CORS       int    `json:"cors_origins"`
}

func (c Config) Summary() Summary {
	return Summary{
		DBPath: c.DB.Path,
		Tuning: c.DB.Tuning,
		YouTube: YouTubeSummary{
			Token:     redactString(c.YouTube.Token),
			TokenFile: c.YouTube.TokenFile,
			APIBase:   c.YouTube.APIBase,
			TimeoutMS: c.YouTube.TimeoutMS,
		},
		Target: TargetSummary{
			FilePath:   c.Target.FilePath,
			MonitorSec: c.Target.MonitorIntervalSec,
			Watch:      c.Target.Watch,
		},
		Engine: EngineSummary{
			PollIntervalMS: c.Engine.PollIntervalMS,
			MaxFailures:    c.Engine.MaxFailures,
			DedupCapacity:  c.Engine.DedupCapacity,
		},
		Earning: EarningSummary{
			Enabled:     c.Earning.Enabled,
			Amount:      c.Earning.Amount,
			IntervalSec: c.Earning.IntervalSeconds,
			Currency:    c.Earning.CurrencyName,
		},
		HTTP: HTTPSummary{
			Addr:       c.HTTP.Addr,
			RatePerMin: c.HTTP.RatePerMin,
			Metrics:    c.HTTP.Metrics,
			AccessLog:  c.HTTP.AccessLog,
			CORS:       len(c.HTTP.CORSOrigins),
		},
	}
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"db": map[string]any{
			"path":   c.DB.Path,
			"tuning": c.DB.Tuning,
		},
		"youtube": map[string]any{
			"token":      redactString(c.YouTube.Token),
			"token_file": c.YouTube.TokenFile,
			"api_base":   c.YouTube.APIBase,
			"timeout_ms": c.YouTube.TimeoutMS,
			"send_rps":   c.YouTube.SendRPS,
			"send_burst": c.YouTube.SendBurst,
		},
		"target": map[string]any{
			"file":        c.Target.FilePath,
			"monitor_sec": c.Target.MonitorIntervalSec,
			"watch":       c.Target.Watch,
		},
		"engine": map[string]any{
			"poll_ms":        c.Engine.PollIntervalMS,
			"max_failures":   c.Engine.MaxFailures,
			"dedup_capacity": c.Engine.DedupCapacity,
		},
		"earning": map[string]any{
			"enabled":      c.Earning.Enabled,
			"amount":       c.Earning.Amount,
			"interval_sec": c.Earning.IntervalSeconds,
			"currency":     c.Earning.CurrencyName,
			"symbol":       c.Earning.CurrencySymbol,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"rate_per_min": c.HTTP.RatePerMin,
			"burst":        c.HTTP.Burst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
