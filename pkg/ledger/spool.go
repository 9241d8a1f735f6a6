package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/samlawlis45/pathwellconnect/pkg/httpx"
	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

// Spool is the gateway's durable hand-off to the ledger. A receipt is
// written and fsynced locally before the gateway's response completes, then
// a shipper posts it in the background. Ledger latency never reaches the
// caller; a crashed shipper replays whatever is still on disk.
type Spool struct {
	Dir string
}

func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(filepath.Join(dir, "done"), 0o755); err != nil {
		return nil, err
	}
	return &Spool{Dir: dir}, nil
}

// Write persists a receipt to the spool. The file only becomes visible
// under its final name after content and directory are synced.
func (s *Spool) Write(r models.Receipt) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	final := filepath.Join(s.Dir, fmt.Sprintf("%d_%s.json", time.Now().UnixNano(), r.ReceiptID))
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Pending lists unshipped spool files, oldest first.
func (s *Spool) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(s.Dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// markDone moves a shipped file aside instead of deleting it; an operator
// can prune done/ on their own schedule.
func (s *Spool) markDone(path string) error {
	return os.Rename(path, filepath.Join(s.Dir, "done", filepath.Base(path)))
}

// Shipper drains a spool into the ledger service. fsnotify wakes it on new
// files; a poll ticker covers missed events and retries.
type Shipper struct {
	Spool      *Spool
	Endpoint   string
	Client     *http.Client
	Interval   time.Duration
	AuthHeader string
	AuthToken  string

	shipped int64
	dropped int64
	// OnShip and OnDrop feed counters into the metrics registry.
	OnShip func()
	OnDrop func()
}

func NewShipper(spool *Spool, endpoint string) *Shipper {
	return &Shipper{
		Spool:    spool,
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Interval: 5 * time.Second,
	}
}

// Shipped and Dropped report lifetime counters.
func (sh *Shipper) Shipped() int64 { return atomic.LoadInt64(&sh.shipped) }
func (sh *Shipper) Dropped() int64 { return atomic.LoadInt64(&sh.dropped) }

// Run blocks until ctx is cancelled.
func (sh *Shipper) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(sh.Spool.Dir); err != nil {
			watcher = nil
		}
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(sh.Interval)
	defer ticker.Stop()

	sh.drain(ctx)
	for {
		if watcher != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				sh.drain(ctx)
			case ev, ok := <-watcher.Events:
				if !ok {
					watcher = nil
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(ev.Name, ".json") {
					sh.drain(ctx)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					watcher = nil
				}
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sh.drain(ctx)
		}
	}
}

// drain ships every pending file in order. A failed ship leaves the file in
// place for the next pass; a poisoned file (unreadable or rejected as
// malformed) is counted as dropped and moved aside so it cannot wedge the
// queue.
func (sh *Shipper) drain(ctx context.Context) {
	paths, err := sh.Spool.Pending()
	if err != nil {
		return
	}
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return
		default:
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if !json.Valid(raw) {
			sh.drop(path)
			continue
		}
		headers := map[string]string{}
		if sh.AuthHeader != "" && sh.AuthToken != "" {
			headers[sh.AuthHeader] = sh.AuthToken
		}
		status, _, err := httpx.RequestJSON(ctx, sh.Client, http.MethodPost, sh.Endpoint, raw, headers, 0, 0)
		switch {
		case err != nil:
			return
		case status >= 200 && status < 300:
			atomic.AddInt64(&sh.shipped, 1)
			if sh.OnShip != nil {
				sh.OnShip()
			}
			_ = sh.Spool.markDone(path)
		case status >= 400 && status < 500:
			sh.drop(path)
		default:
			return
		}
	}
}

func (sh *Shipper) drop(path string) {
	atomic.AddInt64(&sh.dropped, 1)
	if sh.OnDrop != nil {
		sh.OnDrop()
	}
	_ = sh.Spool.markDone(path)
}
