package target

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Lister resolves the live chat id attached to the currently active
// broadcast. Satisfied by the transport client.
type Lister interface {
	ActiveLiveChatID(ctx context.Context) (string, error)
}

// ChangeFunc is invoked with the previous and new target id whenever the
// resolved value changes. Empty string means "no active target".
type ChangeFunc func(old, new string)

// persistedTarget is the on-disk shape of the active target file.
type persistedTarget struct {
	LiveChatID  *string `json:"live_chat_id"`
	LastUpdated string  `json:"last_updated"`
	Status      string  `json:"status"`
}

// Discovery resolves, persists and tracks the active chat target. At most one
// target is active per process; observers are notified only when the value
// actually changes.
type Discovery struct {
	client Lister
	path   string

	mu       sync.Mutex
	current  string
	resolved bool
	onChange ChangeFunc

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates a Discovery persisting to path.
func New(client Lister, path string) *Discovery {
	return &Discovery{client: client, path: path}
}

// OnChange registers the change callback. A failing callback is logged and
// swallowed; discovery is never destabilized by a faulty observer.
func (d *Discovery) OnChange(fn ChangeFunc) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Current returns the in-memory target id and whether a resolution has
// happened at all (Known vs Unknown).
func (d *Discovery) Current() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.resolved
}

// Resolve returns the active target id. With forceFetch false a previously
// resolved non-empty id is returned without a network call. On change the new
// value is persisted and the change callback fires once.
func (d *Discovery) Resolve(ctx context.Context, forceFetch bool) (string, error) {
	d.mu.Lock()
	if !forceFetch && d.resolved && d.current != "" {
		id := d.current
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	id, err := d.client.ActiveLiveChatID(ctx)
	if err != nil {
		return "", errors.Wrap(err, "resolve live chat id")
	}
	d.adopt(id)
	return id, nil
}

// adopt installs id as the current target, persisting and notifying only when
// the value changed.
func (d *Discovery) adopt(id string) {
	d.mu.Lock()
	old := d.current
	wasResolved := d.resolved
	d.current = id
	d.resolved = true
	fn := d.onChange
	d.mu.Unlock()

	if wasResolved && old == id {
		return
	}
	if !wasResolved && old == "" && id == "" {
		// Unknown -> Known(null): persist the inactive state, nothing to notify.
		if err := d.save(id); err != nil {
			log.Printf("target: persist: %v", err)
		}
		return
	}

	if err := d.save(id); err != nil {
		log.Printf("target: persist: %v", err)
	}
	if fn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("target: change callback panicked: %v", r)
				}
			}()
			fn(old, id)
		}()
	}
	if id == "" {
		log.Printf("target: no active target (was %q)", old)
	} else {
		log.Printf("target: active target changed %q -> %q", old, id)
	}
}

// LoadPersisted reads the last persisted target without a network call. The
// bool reports whether a persisted value existed at all, so process start can
// distinguish "not yet resolved" from "no active target".
func (d *Discovery) LoadPersisted() (string, bool) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return "", false
	}
	var state persistedTarget
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("target: corrupt persisted target file: %v", err)
		return "", false
	}
	if state.LiveChatID == nil {
		return "", true
	}
	return *state.LiveChatID, true
}

// AdoptPersisted loads the persisted value into memory at process start,
// treating it as a resolution without touching the network.
func (d *Discovery) AdoptPersisted() (string, bool) {
	id, ok := d.LoadPersisted()
	if !ok {
		return "", false
	}
	d.mu.Lock()
	d.current = id
	d.resolved = true
	d.mu.Unlock()
	return id, true
}

func (d *Discovery) save(id string) error {
	state := persistedTarget{
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Status:      "inactive",
	}
	if id != "" {
		state.LiveChatID = &id
		state.Status = "active"
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode target state")
	}
	if dir := filepath.Dir(d.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create target dir")
		}
	}
	return errors.Wrap(os.WriteFile(d.path, data, 0o644), "write target file")
}

// StartMonitor re-resolves with a forced fetch on a fixed period until
// StopMonitor is called. Resolve errors are logged; the loop keeps going.
func (d *Discovery) StartMonitor(ctx context.Context, interval time.Duration) {
	d.monitorMu.Lock()
	defer d.monitorMu.Unlock()
	if d.monitorCancel != nil {
		log.Printf("target: monitor already running")
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.monitorCancel = cancel
	d.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				if _, err := d.Resolve(monitorCtx, true); err != nil {
					log.Printf("target: monitor resolve: %v", err)
				}
			}
		}
	}()
	log.Printf("target: monitor started (interval %s)", interval)
}

// StopMonitor cancels the monitor task and awaits its clean termination.
// Safe to call when no monitor is running.
func (d *Discovery) StopMonitor() {
	d.monitorMu.Lock()
	cancel := d.monitorCancel
	done := d.monitorDone
	d.monitorCancel = nil
	d.monitorDone = nil
	d.monitorMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("target: monitor stopped")
}

// Monitoring reports whether the periodic monitor is running.
func (d *Discovery) Monitoring() bool {
	d.monitorMu.Lock()
	defer d.monitorMu.Unlock()
	return d.monitorCancel != nil
}

// Status is the snapshot exposed over the HTTP surface.
type Status struct {
	LiveChatID string `json:"live_chat_id,omitempty"`
	Resolved   bool   `json:"resolved"`
	Monitoring bool   `json:"monitoring"`
	File       string `json:"file"`
}

func (d *Discovery) Status() Status {
	id, resolved := d.Current()
	return Status{
		LiveChatID: id,
		Resolved:   resolved,
		Monitoring: d.Monitoring(),
		File:       d.path,
	}
}
