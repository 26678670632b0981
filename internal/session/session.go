// Package session stores per-invocation session metadata. One session is
// one lifetime of a launched coding agent.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no session file exists for an id.
var ErrNotFound = errors.New("session not found")

// Session is the metadata loaded once per proxy lifetime.
type Session struct {
	ID               string    `json:"id"`
	AgentName        string    `json:"agentName"`
	Provider         string    `json:"provider"`
	WorkingDirectory string    `json:"workingDirectory"`
	StartTime        time.Time `json:"startTime"`
}

// Store loads session metadata by id.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
}

// FileStore keeps one JSON document per session under a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Load(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	// #nosec G304 -- dir comes from trusted config, id from the session file name.
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var out Session
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create generates a new session id, persists the metadata, and returns it.
// Used by the launcher when starting an agent.
func (s *FileStore) Create(ctx context.Context, agentName, provider, workingDirectory string) (*Session, error) {
	sess := &Session{
		ID:               uuid.NewString(),
		AgentName:        agentName,
		Provider:         provider,
		WorkingDirectory: workingDirectory,
		StartTime:        time.Now().UTC(),
	}
	if err := s.save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *FileStore) save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(sess.ID)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// StaticStore serves a fixed session. Used by tests.
type StaticStore struct {
	Session *Session
	Err     error
}

func (s *StaticStore) Load(ctx context.Context, id string) (*Session, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Session == nil || s.Session.ID != id {
		return nil, ErrNotFound
	}
	return s.Session, nil
}
