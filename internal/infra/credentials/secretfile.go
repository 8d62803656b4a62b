package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"forge3d/internal/infra"
)

const (
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// SecretFile caches the trimmed contents of a mounted secret and reloads it
// when the file is rewritten, replaced or removed.
type SecretFile struct {
	path   string
	logger infra.Logger

	mu    sync.RWMutex
	value string
}

// NewSecretFile reads path once. A missing file is not an error; it simply
// yields an empty value until the file appears.
func NewSecretFile(path string, logger *infra.Logger) (*SecretFile, error) {
	f := &SecretFile{path: path, logger: infra.LoggerOrDiscard(logger)}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Value returns the cached secret.
func (f *SecretFile) Value() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Reload rereads the file.
func (f *SecretFile) Reload() error {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		raw, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("read secret %s: %w", f.path, err)
	}
	value := strings.TrimSpace(string(raw))

	f.mu.Lock()
	changed := value != f.value
	f.value = value
	f.mu.Unlock()

	if changed {
		f.logger.Info().Str("path", f.path).Bool("present", value != "").Msg("credentials: secret file loaded")
	}
	return nil
}

// Watch reloads the secret on every change to it until ctx is cancelled. The
// parent directory is watched so atomic replacements (Kubernetes and Docker
// secret mounts swap symlinks) are observed.
func (f *SecretFile) Watch(ctx context.Context) error {
	dir := filepath.Dir(f.path)
	file := filepath.Base(f.path)
	retry := newWatchBackoff()

	wait := func() bool {
		t := time.NewTimer(retry.NextBackOff())
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			f.logger.Warn().Err(err).Str("dir", dir).Msg("credentials: watch init failed")
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			f.logger.Warn().Err(err).Str("dir", dir).Msg("credentials: watch add failed")
			if !wait() {
				return nil
			}
			continue
		}
		retry.Reset()
		// Catch anything written between the initial read and the watch.
		f.reloadLogged()

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) == file || strings.HasPrefix(filepath.Base(ev.Name), "..") {
					f.reloadLogged()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				f.logger.Warn().Err(err).Str("dir", dir).Msg("credentials: watch error")
				f.reloadLogged()
			}
		}
		_ = w.Close()
		f.logger.Warn().Str("dir", dir).Msg("credentials: watcher stopped; restarting")
		if !wait() {
			return nil
		}
	}
	return nil
}

// newWatchBackoff spaces out watcher restarts. It never gives up; Watch
// only ends with its context.
func newWatchBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = watchBackoffBase
	b.MaxInterval = watchBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (f *SecretFile) reloadLogged() {
	if err := f.Reload(); err != nil {
		f.logger.Warn().Err(err).Msg("credentials: secret reload failed")
	}
}
