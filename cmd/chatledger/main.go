package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/chatledger/internal/commands"
	"github.com/you/chatledger/internal/config"
	"github.com/you/chatledger/internal/economy"
	"github.com/you/chatledger/internal/engine"
	"github.com/you/chatledger/internal/httpapi"
	"github.com/you/chatledger/internal/identity"
	"github.com/you/chatledger/internal/ledger"
	"github.com/you/chatledger/internal/target"
	"github.com/you/chatledger/internal/transport"
	"github.com/you/chatledger/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()

	var (
		versionFlag     bool
		dbPath          string
		ytToken         string
		ytTokenFile     string
		ytAPIBase       string
		targetFile      string
		pollIntervalMS  int
		earningAmount   int
		earningInterval int
		httpAddr        string
		httpRatePerMin  int
		httpBurst       int
		httpMetrics     bool
		httpAccessLog   bool
		httpCorsOrigins string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "chatledger.db", "Path to SQLite database file")
	flag.StringVar(&ytToken, "yt-token", "", "YouTube OAuth access token")
	flag.StringVar(&ytTokenFile, "yt-token-file", "", "Path to file containing the YouTube OAuth token")
	flag.StringVar(&ytAPIBase, "yt-api-base", "", "Override for the YouTube API base URL")
	flag.StringVar(&targetFile, "target-file", "", "Path to the persisted live chat id file")
	flag.IntVar(&pollIntervalMS, "poll-interval-ms", 0, "Fallback chat poll interval in milliseconds")
	flag.IntVar(&earningAmount, "earning-amount", 0, "Points awarded per eligible chat message")
	flag.IntVar(&earningInterval, "earning-interval-sec", 0, "Per-user earning cooldown in seconds")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP query/admin address (e.g., :8080)")
	flag.IntVar(&httpRatePerMin, "http-rate-per-min", 0, "Maximum HTTP requests per minute per client")
	flag.IntVar(&httpBurst, "http-burst", 0, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", false, "Log HTTP access records")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"chatledger version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["sqlite"] {
		cfg.DB.Path = strings.TrimSpace(dbPath)
	}
	if overrides["yt-token"] {
		cfg.YouTube.Token = strings.TrimSpace(ytToken)
	}
	if overrides["yt-token-file"] {
		cfg.YouTube.TokenFile = strings.TrimSpace(ytTokenFile)
	}
	if overrides["yt-api-base"] {
		cfg.YouTube.APIBase = strings.TrimSpace(ytAPIBase)
	}
	if overrides["target-file"] {
		cfg.Target.FilePath = strings.TrimSpace(targetFile)
	}
	if overrides["poll-interval-ms"] && pollIntervalMS > 0 {
		cfg.Engine.PollIntervalMS = pollIntervalMS
	}
	if overrides["earning-amount"] && earningAmount > 0 {
		cfg.Earning.Amount = earningAmount
	}
	if overrides["earning-interval-sec"] && earningInterval > 0 {
		cfg.Earning.IntervalSeconds = earningInterval
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-rate-per-min"] && httpRatePerMin > 0 {
		cfg.HTTP.RatePerMin = httpRatePerMin
	}
	if overrides["http-burst"] && httpBurst > 0 {
		cfg.HTTP.Burst = httpBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}

	log.Printf("%s", cfg.SummaryJSON())

	token, err := cfg.ResolveToken()
	if err != nil {
		log.Fatalf("chatledger: read token file: %v", err)
	}
	if token == "" {
		log.Fatal("chatledger: a YouTube token is required (CHATLEDGER_YT_TOKEN or -yt-token)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("chatledger: received %s, shutting down", sig)
		cancel()
	}()

	store, err := ledger.Open(cfg.DB.Path)
	if err != nil {
		log.Fatalf("chatledger: open sqlite: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("chatledger: closing store: %v", err)
		}
	}()
	if err := store.Ping(); err != nil {
		log.Fatalf("chatledger: ping sqlite: %v", err)
	}
	if err := migrateSQLite(ctx, store.RawDB()); err != nil {
		log.Fatalf("chatledger: sqlite migrate: %v", err)
	}

	client := transport.NewYouTube(transport.YouTubeConfig{
		APIBase:     cfg.YouTube.APIBase,
		AccessToken: token,
		Timeout:     cfg.YouTubeTimeout(),
		SendRPS:     float64(cfg.YouTube.SendRPS),
		SendBurst:   cfg.YouTube.SendBurst,
	})

	identitySvc := identity.New(store)
	economySvc := economy.New(store)

	registry := prometheus.NewRegistry()
	engineMetrics := engine.NewMetrics(registry)

	earningCfg := commands.EarningConfig{
		Enabled:         cfg.Earning.Enabled,
		Amount:          int64(cfg.Earning.Amount),
		IntervalSeconds: cfg.Earning.IntervalSeconds,
		CurrencyName:    cfg.Earning.CurrencyName,
		CurrencySymbol:  cfg.Earning.CurrencySymbol,
	}
	engineCfg := engine.Config{
		PollInterval:  cfg.PollInterval(),
		Retry:         engine.RetryPolicy{MaxConsecutive: cfg.Engine.MaxFailures, Initial: 2 * time.Second, Max: 60 * time.Second},
		DedupCapacity: cfg.Engine.DedupCapacity,
	}

	discovery := target.New(client, cfg.Target.FilePath)

	var (
		engMu sync.Mutex
		eng   *engine.Engine
	)
	stopPoller := func() {
		engMu.Lock()
		current := eng
		eng = nil
		engMu.Unlock()
		if current != nil {
			current.Stop()
		}
	}
	startPoller := func(liveChatID string) {
		stopPoller()
		e := engine.New(client, liveChatID, engineCfg, engineMetrics)
		router := commands.NewRouter(economySvc, identitySvc, client, liveChatID, earningCfg)
		e.RegisterHandler(router.EarningHandler())
		e.RegisterHandler(router.CommandHandler())
		if err := e.Start(ctx); err != nil {
			log.Printf("chatledger: start engine for %s: %v", liveChatID, err)
			return
		}
		engMu.Lock()
		eng = e
		engMu.Unlock()
		log.Printf("chatledger: engine started for chat %s", liveChatID)
	}
	engineStats := func() engine.Stats {
		engMu.Lock()
		current := eng
		engMu.Unlock()
		if current == nil {
			return engine.Stats{State: "stopped"}
		}
		return current.Stats()
	}

	discovery.OnChange(func(_, newID string) {
		if newID == "" {
			stopPoller()
			return
		}
		startPoller(newID)
	})

	if id, ok := discovery.AdoptPersisted(); ok && id != "" {
		log.Printf("chatledger: adopted persisted chat id %s", id)
		startPoller(id)
	} else {
		go func() {
			if _, err := discovery.Resolve(ctx, true); err != nil {
				log.Printf("chatledger: initial target resolve: %v", err)
			}
		}()
	}
	discovery.StartMonitor(ctx, cfg.MonitorInterval())
	if cfg.Target.Watch {
		if err := discovery.WatchFile(); err != nil {
			log.Printf("chatledger: watch target file: %v", err)
		}
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		var reg *prometheus.Registry
		if cfg.HTTP.Metrics {
			reg = registry
		}
		api = httpapi.New(economySvc, identitySvc, httpapi.Options{
			Addr:         cfg.HTTP.Addr,
			RatePerMin:   cfg.HTTP.RatePerMin,
			Burst:        cfg.HTTP.Burst,
			AccessLog:    cfg.HTTP.AccessLog,
			CORSOrigins:  cfg.HTTP.CORSOrigins,
			Registry:     reg,
			Version:      version.Version,
			EngineStats:  engineStats,
			TargetStatus: discovery.Status,
		})
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("chatledger: http api: %v", err)
			}
		}()
	}

	<-ctx.Done()

	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("chatledger: http api shutdown: %v", err)
		}
		cancelShutdown()
	}
	discovery.StopMonitor()
	stopPoller()
	log.Printf("chatledger: shutdown complete")
}
