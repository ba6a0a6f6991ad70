package dhcpd

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fsnotify/fsnotify"
)

// blocklist is the set of forbidden client hardware addresses, loaded from
// a text file with one lowercase colon-separated address per line.  The set
// follows operator edits without a restart: the file is watched for writes
// and additionally re-checked by modification time on every membership
// query.
type blocklist struct {
	logger *slog.Logger

	// path is the path to the blocklist file.  An empty path disables the
	// blocklist entirely.
	path string

	// watcher delivers file change events.  It is nil when watching could
	// not be set up; the lazy mtime check still applies then.
	watcher *fsnotify.Watcher

	// mu protects macs and mtime.
	mu    *sync.Mutex
	macs  map[macKey]struct{}
	mtime time.Time
}

// newBlocklist returns a blocklist reading from the file at path.  A
// missing file is the same as an empty one.
func newBlocklist(ctx context.Context, logger *slog.Logger, path string) (b *blocklist) {
	b = &blocklist{
		logger: logger,
		path:   path,
		mu:     &sync.Mutex{},
		macs:   map[macKey]struct{}{},
	}

	if path == "" {
		return b
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.reload(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WarnContext(ctx, "watching unavailable", slogutil.KeyError, err)

		return b
	}

	// Watch the file itself; editors that replace the file emit create
	// events for the same name.
	err = w.Add(path)
	if err != nil {
		logger.DebugContext(ctx, "watching file", slogutil.KeyError, err)
	}

	b.watcher = w
	go b.watch(ctx)

	return b
}

// watch reloads the set on file change events until the watcher is closed.
func (b *blocklist) watch(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, b.logger)

	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}

			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				b.mu.Lock()
				b.reload(ctx)
				b.mu.Unlock()
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}

			b.logger.ErrorContext(ctx, "watching", slogutil.KeyError, err)
		}
	}
}

// reload reads the file into the set.  Invalid lines are skipped with a
// warning.  b.mu must be held.
func (b *blocklist) reload(ctx context.Context) {
	macs := map[macKey]struct{}{}

	defer func() {
		b.macs = macs
	}()

	fi, err := os.Stat(b.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.ErrorContext(ctx, "reading", slogutil.KeyError, err)
		}

		b.mtime = time.Time{}

		return
	}

	b.mtime = fi.ModTime()

	f, err := os.Open(b.path)
	if err != nil {
		b.logger.ErrorContext(ctx, "reading", slogutil.KeyError, err)

		return
	}
	defer func() {
		closeErr := f.Close()
		if closeErr != nil {
			b.logger.DebugContext(ctx, "closing", slogutil.KeyError, closeErr)
		}
	}()

	sc := bufio.NewScanner(f)
	for lineNum := 1; sc.Scan(); lineNum++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		mac, parseErr := net.ParseMAC(line)
		if parseErr != nil || len(mac) != macKeyLen {
			b.logger.WarnContext(ctx, "skipping line", "line", lineNum, "value", line)

			continue
		}

		macs[macToKey(mac)] = struct{}{}
	}

	if err = sc.Err(); err != nil {
		b.logger.ErrorContext(ctx, "reading", slogutil.KeyError, err)
	}

	b.logger.DebugContext(ctx, "loaded", "count", len(macs))
}

// has returns true if mac is forbidden.  The file is re-read first when its
// modification time has changed, so operator edits apply to the very next
// message even without the watcher.
func (b *blocklist) has(ctx context.Context, mac net.HardwareAddr) (ok bool) {
	if b.path == "" || len(mac) != macKeyLen {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if fi, err := os.Stat(b.path); err == nil {
		if !fi.ModTime().Equal(b.mtime) {
			b.reload(ctx)
		}
	} else if !b.mtime.IsZero() {
		// The file disappeared; treat it as empty.
		b.reload(ctx)
	}

	_, ok = b.macs[macToKey(mac)]

	return ok
}

// close stops the file watcher.
func (b *blocklist) close() {
	if b.watcher != nil {
		// The error is always nil for a watcher that hasn't been closed
		// before.
		_ = b.watcher.Close()
	}
}
