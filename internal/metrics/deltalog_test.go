package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppendAndReadAll(t *testing.T) {
	log := NewDeltaLog(t.TempDir(), "sess-1")

	d1 := NewDelta("main", time.Unix(100, 0).UTC())
	d1.InputTokens = 100
	d2 := NewDelta("feature", time.Unix(200, 0).UTC())
	d2.OutputTokens = 5

	if err := log.Append(d1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(d2); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := log.ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unexpected count: %d", len(all))
	}
	if all[0].RecordID != d1.RecordID || all[1].RecordID != d2.RecordID {
		t.Fatalf("file order not preserved: %+v", all)
	}
	if all[0].SyncStatus != SyncPending {
		t.Fatalf("unexpected status: %s", all[0].SyncStatus)
	}
}

func TestReadAllMissingFile(t *testing.T) {
	log := NewDeltaLog(t.TempDir(), "nope")
	all, err := log.ReadAll()
	if err != nil || all != nil {
		t.Fatalf("missing file should be empty log: %v %v", all, err)
	}
}

func TestMarkSynced(t *testing.T) {
	log := NewDeltaLog(t.TempDir(), "sess-1")
	d1 := NewDelta("main", time.Unix(100, 0).UTC())
	d2 := NewDelta("feature", time.Unix(200, 0).UTC())
	for _, d := range []*Delta{d1, d2} {
		if err := log.Append(d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	at := time.Unix(300, 0).UTC()
	synced := map[string]bool{d1.RecordID: true}
	attempted := map[string]bool{d2.RecordID: true}
	if err := log.MarkSynced(synced, attempted, at); err != nil {
		t.Fatalf("mark: %v", err)
	}

	all, err := log.ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if all[0].SyncStatus != SyncSynced || all[0].SyncAttempts != 1 || all[0].SyncedAt == nil || !all[0].SyncedAt.Equal(at) {
		t.Fatalf("synced record not updated: %+v", all[0])
	}
	if all[1].SyncStatus != SyncPending || all[1].SyncAttempts != 1 || all[1].SyncedAt != nil {
		t.Fatalf("attempted record mishandled: %+v", all[1])
	}

	// No temp file may survive the rewrite.
	if _, err := os.Stat(log.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestMarkSyncedNeverRevertsSynced(t *testing.T) {
	log := NewDeltaLog(t.TempDir(), "sess-1")
	d := NewDelta("main", time.Unix(100, 0).UTC())
	if err := log.Append(d); err != nil {
		t.Fatalf("append: %v", err)
	}
	first := time.Unix(200, 0).UTC()
	if err := log.MarkSynced(map[string]bool{d.RecordID: true}, nil, first); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// A later pass attempting the same record must not change it.
	if err := log.MarkSynced(nil, map[string]bool{d.RecordID: true}, time.Unix(400, 0).UTC()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	all, _ := log.ReadAll()
	if all[0].SyncStatus != SyncSynced || all[0].SyncAttempts != 1 || !all[0].SyncedAt.Equal(first) {
		t.Fatalf("synced record mutated: %+v", all[0])
	}
}

func TestMarkSyncedPreservesUnparsableLines(t *testing.T) {
	dir := t.TempDir()
	log := NewDeltaLog(dir, "sess-1")
	d := NewDelta("main", time.Unix(100, 0).UTC())
	if err := log.Append(d); err != nil {
		t.Fatalf("append: %v", err)
	}
	garbage := "not json at all\n"
	f, err := os.OpenFile(log.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(garbage); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	if err := log.MarkSynced(map[string]bool{d.RecordID: true}, nil, time.Unix(200, 0).UTC()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sess-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(data), "not json at all") {
		t.Fatalf("garbage line dropped by rewrite:\n%s", data)
	}
}
