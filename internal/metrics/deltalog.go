package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DeltaLog is the append-only JSONL file holding one session's deltas.
// Appends add one line; status flips rewrite the whole file to a temp file
// and rename it into place, so a crash mid-write never corrupts the log.
type DeltaLog struct {
	path string
	mu   sync.Mutex
}

func NewDeltaLog(dir, sessionID string) *DeltaLog {
	return &DeltaLog{path: filepath.Join(dir, sessionID+".jsonl")}
}

func (l *DeltaLog) Path() string { return l.path }

// Append writes one delta as a single JSON line.
func (l *DeltaLog) Append(d *Delta) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	// #nosec G304 -- path is derived from the configured metrics dir.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(b, '\n'))
	return err
}

// ReadAll returns every record in file order. A missing file is an empty
// log. Unparsable lines are skipped rather than failing the whole read.
func (l *DeltaLog) ReadAll() ([]Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// #nosec G304 -- path is derived from the configured metrics dir.
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Delta
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var d Delta
		if err := json.Unmarshal(line, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// MarkSynced flips records in synced to SyncSynced (stamping syncedAt and
// bumping syncAttempts) and bumps syncAttempts for records in attempted
// that did not sync. Already-synced records are never touched: the status
// transition is strictly pending -> synced. The whole file is rewritten to
// a temp file and renamed into place in one step.
func (l *DeltaLog) MarkSynced(synced, attempted map[string]bool, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// #nosec G304 -- path is derived from the configured metrics dir.
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var buf bytes.Buffer
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var d Delta
		if err := json.Unmarshal(line, &d); err != nil {
			// Preserve lines we cannot parse.
			buf.Write(line)
			buf.WriteByte('\n')
			continue
		}
		if d.SyncStatus == SyncPending {
			switch {
			case synced[d.RecordID]:
				d.SyncStatus = SyncSynced
				d.SyncAttempts++
				t := at
				d.SyncedAt = &t
			case attempted[d.RecordID]:
				d.SyncAttempts++
			}
		}
		b, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
