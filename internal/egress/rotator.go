package egress

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "joinbot/pkg/logx"
)

// Load parses a line-oriented proxy list. Unparseable lines are dropped
// with a warning; only a read error fails the call.
func Load(r io.Reader, defaultScheme string, log logx.Logger) ([]Endpoint, error) {
	var out []Endpoint
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := Parse(line, defaultScheme)
		if err != nil {
			log.Warn("proxy line dropped", logx.Int("line", n), logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// LoadFile is Load over a file.
func LoadFile(path, defaultScheme string, log logx.Logger) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, defaultScheme, log)
}

// Rotator hands out endpoints round-robin. It is safe for concurrent use;
// the pool is swapped atomically and the index is an atomic counter.
type Rotator struct {
	pool atomic.Pointer[[]Endpoint]
	idx  atomic.Uint64
	log  logx.Logger
}

func NewRotator(pool []Endpoint, log logx.Logger) *Rotator {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Rotator{log: log}
	r.Replace(pool)
	return r
}

// Replace swaps the pool. The rotation index keeps counting; it wraps modulo
// the new size.
func (r *Rotator) Replace(pool []Endpoint) {
	cp := append([]Endpoint(nil), pool...)
	r.pool.Store(&cp)
}

func (r *Rotator) Len() int {
	p := r.pool.Load()
	if p == nil {
		return 0
	}
	return len(*p)
}

// Snapshot returns a copy of the current pool.
func (r *Rotator) Snapshot() []Endpoint {
	p := r.pool.Load()
	if p == nil {
		return nil
	}
	return append([]Endpoint(nil), (*p)...)
}

// Next returns the next endpoint, or nil for a direct connection when the
// pool is empty.
func (r *Rotator) Next() *Endpoint {
	p := r.pool.Load()
	if p == nil || len(*p) == 0 {
		return nil
	}
	pool := *p
	i := r.idx.Add(1) - 1
	e := pool[i%uint64(len(pool))]
	return &e
}

// Watch reloads the pool whenever path changes, until ctx is done.
// Events are debounced; a reload that yields zero endpoints from a non-empty
// file keeps the previous pool.
func (r *Rotator) Watch(ctx context.Context, path, defaultScheme string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file via rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	file := filepath.Base(path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		pool, err := LoadFile(path, defaultScheme, r.log)
		if err != nil {
			r.log.Warn("proxy reload failed", logx.String("path", path), logx.Err(err))
			return
		}
		if len(pool) == 0 && r.Len() > 0 {
			if st, err := os.Stat(path); err == nil && st.Size() > 0 {
				r.log.Warn("proxy reload yielded no endpoints; keeping previous pool", logx.String("path", path))
				return
			}
		}
		r.Replace(pool)
		r.log.Info("proxy pool reloaded", logx.Int("endpoints", len(pool)))
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("proxy watch error", logx.Err(err))
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
			timerMu.Unlock()
		}
	}
}
