package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/transport"
)

// Handler consumes one deduplicated message. Handlers run synchronously and
// in message order; a slow handler slows the whole loop rather than dropping
// messages.
type Handler func(ctx context.Context, msg core.ChatMessage)

// State is the engine lifecycle phase.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Config tunes one engine run.
type Config struct {
	// PollInterval applies when the platform response carries no interval
	// hint. Defaults to 5s.
	PollInterval time.Duration
	// Retry bounds transient failure handling.
	Retry RetryPolicy
	// DedupCapacity caps the seen-message cache. Defaults to 1000.
	DedupCapacity int
}

// Stats is a point-in-time snapshot served over the admin API.
type Stats struct {
	Target       string        `json:"target"`
	State        string        `json:"state"`
	Running      bool          `json:"running"`
	PollInterval time.Duration `json:"poll_interval"`
	// QueueDepth is always zero: dispatch is synchronous, messages never
	// queue between fetch and handler.
	QueueDepth int `json:"queue_depth"`
	DedupSize  int `json:"dedup_size"`
	Failures     int           `json:"consecutive_failures"`
	LastError    string        `json:"last_error,omitempty"`
}

// Engine polls one live chat target and fan-outs deduplicated messages to the
// registered handlers. One engine serves one target; when the target changes
// the caller stops this engine and starts a fresh one.
type Engine struct {
	client  transport.Client
	target  string
	cfg     Config
	metrics *Metrics

	mu       sync.Mutex
	handlers []Handler
	state    State
	cursor   string
	interval time.Duration
	dedup    *dedupCache
	retry    backoff
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(client transport.Client, target string, cfg Config, metrics *Metrics) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 1000
	}
	return &Engine{
		client:  client,
		target:  target,
		cfg:     cfg,
		metrics: metrics,
		dedup:   newDedupCache(cfg.DedupCapacity),
	}
}

// RegisterHandler appends h to the dispatch chain. Call before Start; handlers
// registered mid-run only see messages from the next page on.
func (e *Engine) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

// Start launches the poll loop. When no handler was registered a log-only
// handler is installed so the engine is observable out of the box.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStopped {
		return fmt.Errorf("engine: already %s", e.state)
	}
	if e.target == "" {
		return fmt.Errorf("engine: empty target")
	}
	if len(e.handlers) == 0 {
		e.handlers = append(e.handlers, func(_ context.Context, msg core.ChatMessage) {
			log.Printf("[engine] %s: %s", msg.DisplayName, msg.Text)
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = StateStarting
	e.cursor = ""
	e.interval = e.cfg.PollInterval
	e.dedup = newDedupCache(e.cfg.DedupCapacity)
	e.retry = backoff{policy: e.cfg.Retry}
	e.err = nil

	go e.run(runCtx)
	return nil
}

// Stop signals the loop and blocks until it has exited. Safe to call twice.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped || e.cancel == nil {
		e.mu.Unlock()
		return
	}
	e.state = StateStopping
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done
}

// Err returns the terminal failure of the last run, nil after a clean stop.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stats snapshots the loop for the admin surface.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Target:       e.target,
		State:        e.state.String(),
		Running:      e.state == StateRunning || e.state == StateStarting,
		PollInterval: e.interval,
		DedupSize:    e.dedup.Len(),
		Failures:     e.retry.Failures(),
	}
	if e.err != nil {
		s.LastError = e.err.Error()
	}
	return s
}

func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.state = StateStopped
		close(e.done)
		e.mu.Unlock()
	}()

	log.Printf("[engine] starting poll loop target=%s", e.target)
	primed := false
	for {
		e.mu.Lock()
		cursor := e.cursor
		e.mu.Unlock()

		page, err := e.client.FetchPage(ctx, e.target, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			kind := transport.KindOf(err)
			e.metrics.incFetch(kind.String())
			if kind.Fatal() {
				log.Printf("[engine] fatal fetch failure kind=%s: %v", kind, err)
				e.setErr(err)
				return
			}
			delay, ok := e.retryFail()
			if !ok {
				log.Printf("[engine] giving up after repeated transient failures: %v", err)
				e.setErr(err)
				return
			}
			log.Printf("[engine] transient fetch failure, retrying in %s: %v", delay, err)
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}

		e.metrics.incFetch("ok")
		e.metrics.addSeen(len(page.Messages))

		e.mu.Lock()
		e.retry.Reset()
		if page.NextCursor != "" {
			e.cursor = page.NextCursor
		}
		if page.PollInterval > 0 {
			e.interval = page.PollInterval
		} else {
			e.interval = e.cfg.PollInterval
		}
		interval := e.interval
		var fresh []core.ChatMessage
		for _, msg := range page.Messages {
			if e.dedup.Add(msg.DedupKey()) {
				fresh = append(fresh, msg)
			}
		}
		dedupSize := e.dedup.Len()
		wasPrimed := primed
		if !wasPrimed {
			primed = true
			e.state = StateRunning
		}
		handlers := e.handlers
		e.mu.Unlock()

		e.metrics.setDedupSize(dedupSize)
		e.metrics.setPollInterval(interval.Seconds())

		// The priming page is history from before we attached. Mark it seen,
		// dispatch nothing.
		if wasPrimed {
			for _, msg := range fresh {
				e.dispatch(ctx, handlers, msg)
			}
		} else if len(page.Messages) > 0 {
			log.Printf("[engine] primed, skipped %d backlog messages", len(page.Messages))
		}

		if !sleepContext(ctx, interval) {
			return
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, handlers []Handler, msg core.ChatMessage) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.metrics.incHandlerError()
					log.Printf("[engine] handler panic: %v", r)
				}
			}()
			h(ctx, msg)
		}()
	}
	e.metrics.incDispatched()
}

func (e *Engine) retryFail() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retry.Fail()
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// sleepContext waits for d or the context, reporting false on cancellation.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
