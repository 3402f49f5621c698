package target

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchFile adopts externally written updates to the persisted target file
// (for example an operator pasting a chat id while the API is down). Events
// are debounced because editors and atomic-rename writers fire several per
// save. The watcher lives until the process exits.
func (d *Discovery) WatchFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(d.path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("target watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				id, ok := d.LoadPersisted()
				if !ok {
					continue
				}
				d.mu.Lock()
				same := d.resolved && d.current == id
				d.mu.Unlock()
				if same {
					continue
				}
				slog.Info("target file changed externally", "live_chat_id", id)
				d.adopt(id)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("target watch error", "err", err)
			}
		}
	}()
	return nil
}
