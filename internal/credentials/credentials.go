// Package credentials loads the SSO session cookie the proxy injects into
// forwarded requests. The cookie is written by an external OAuth browser
// flow; this package only reads it and optionally hot-reloads on change.
package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/relayworks/agent-relay/internal/logx"
)

// ErrNotFound is returned when no SSO cookie is stored.
var ErrNotFound = errors.New("no stored SSO credentials")

// Credentials is the value injected into forwarded requests.
type Credentials struct {
	Cookie string
}

// Store provides SSO credentials. Implementations must be safe for
// concurrent use; the proxy reads per request.
type Store interface {
	Get(ctx context.Context) (Credentials, error)
}

type fileFormat struct {
	SSO struct {
		Cookie string `yaml:"cookie"`
	} `yaml:"sso"`
}

// FileStore reads credentials from a YAML file, with an env override.
// Watch hot-reloads the cached value when the external auth flow rewrites
// the file.
type FileStore struct {
	path   string
	logger *logx.Logger

	mu     sync.RWMutex
	cached Credentials

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileStore(path string, logger *logx.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logx.Default()
	}
	s := &FileStore{path: path, logger: logger}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// Get returns the current credentials. RELAY_SSO_COOKIE overrides the file.
func (s *FileStore) Get(ctx context.Context) (Credentials, error) {
	if v := strings.TrimSpace(os.Getenv("RELAY_SSO_COOKIE")); v != "" {
		return Credentials{Cookie: v}, nil
	}
	s.mu.RLock()
	c := s.cached
	s.mu.RUnlock()
	if strings.TrimSpace(c.Cookie) == "" {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

func (s *FileStore) reload() error {
	// #nosec G304 -- path is provided by trusted config.
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var ff fileFormat
	if err := yaml.Unmarshal(b, &ff); err != nil {
		return err
	}
	s.mu.Lock()
	s.cached = Credentials{Cookie: strings.TrimSpace(ff.SSO.Cookie)}
	s.mu.Unlock()
	return nil
}

// Watch reloads the store whenever the backing file is rewritten. The watch
// is on the parent directory: auth flows typically replace the file via
// rename, which drops a watch on the file itself.
func (s *FileStore) Watch() error {
	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})

	base := filepath.Base(s.path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					s.logger.Warnf("credentials reload failed: %v", err)
					continue
				}
				s.logger.Debugf("credentials reloaded from %s", s.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warnf("credentials watcher error: %v", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (s *FileStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

// StaticStore returns fixed credentials. Used by tests.
type StaticStore struct {
	Credentials Credentials
	Err         error
}

func (s *StaticStore) Get(ctx context.Context) (Credentials, error) {
	if s.Err != nil {
		return Credentials{}, s.Err
	}
	return s.Credentials, nil
}
