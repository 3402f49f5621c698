package target

import (
	"os"
	"testing"
	"time"
)

func TestWatchFileAdoptsExternalEdit(t *testing.T) {
	path := targetPath(t)
	payload := `{"live_chat_id": "chat-1", "last_updated": "2025-06-01T12:00:00Z", "status": "active"}`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("seed target file: %v", err)
	}

	d := New(&scriptedLister{}, path)
	if _, ok := d.AdoptPersisted(); !ok {
		t.Fatalf("adopt persisted seed")
	}
	if err := d.WatchFile(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	updated := `{"live_chat_id": "chat-2", "last_updated": "2025-06-01T13:00:00Z", "status": "active"}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite target file: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if current, _ := d.Current(); current == "chat-2" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	current, _ := d.Current()
	t.Fatalf("external edit not adopted, current=%q", current)
}

func TestWatchFileMissing(t *testing.T) {
	d := New(&scriptedLister{}, targetPath(t))
	if err := d.WatchFile(); err == nil {
		t.Fatalf("watching a missing file should error")
	}
}
