package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bilirelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.<source>.old.json    (previous snapshot)
//   - <prefix>.<source>.new.json    (current snapshot)
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json  (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl  (append-only journal)
//
// Snapshot files are only ever replaced through rename.
type fileStore struct {
	log    logx.Logger
	prefix string

	mu sync.Mutex

	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		prefix:            prefix,
		auditFile:         af,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) pairPaths(source string) (oldPath, newPath string) {
	return s.prefix + "." + source + ".old.json", s.prefix + "." + source + ".new.json"
}

func (s *fileStore) Load(ctx context.Context, source string) (Pair, error) {
	_ = ctx
	if err := validSource(source); err != nil {
		return Pair{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return Pair{}, ErrClosed
	}
	return s.loadLocked(source)
}

func (s *fileStore) loadLocked(source string) (Pair, error) {
	oldPath, newPath := s.pairPaths(source)
	cur, err := os.ReadFile(newPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Pair{}, ErrNoSnapshot
	}
	if err != nil {
		return Pair{}, fmt.Errorf("read current %s: %w", source, err)
	}
	prev, err := os.ReadFile(oldPath)
	if errors.Is(err, fs.ErrNotExist) {
		// Previous file missing: report the current payload on both sides.
		prev = clone(cur)
	} else if err != nil {
		return Pair{}, fmt.Errorf("read previous %s: %w", source, err)
	}
	p := Pair{Previous: prev, Current: cur}
	if st, err := os.Stat(newPath); err == nil {
		p.UpdatedAt = st.ModTime()
	}
	return p, nil
}

func (s *fileStore) Commit(ctx context.Context, source string, raw []byte) (Pair, error) {
	_ = ctx
	if err := validSource(source); err != nil {
		return Pair{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return Pair{}, ErrClosed
	}

	oldPath, newPath := s.pairPaths(source)
	staged := newPath + ".next"
	if err := writeSynced(staged, raw); err != nil {
		return Pair{}, fmt.Errorf("stage %s: %w", source, err)
	}

	prev, err := os.ReadFile(newPath)
	seeded := false
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Only the previous file survives a crash between the two renames
		// below; rotate from it instead of reseeding.
		old, oerr := os.ReadFile(oldPath)
		switch {
		case oerr == nil:
			prev = old
		case errors.Is(oerr, fs.ErrNotExist):
			seeded = true
			prev = clone(raw)
			if err := writeAtomic(oldPath, raw); err != nil {
				return Pair{}, fmt.Errorf("seed %s: %w", source, err)
			}
		default:
			return Pair{}, fmt.Errorf("read previous %s: %w", source, oerr)
		}
	case err != nil:
		return Pair{}, fmt.Errorf("read current %s: %w", source, err)
	default:
		if err := os.Rename(newPath, oldPath); err != nil {
			return Pair{}, fmt.Errorf("rotate %s: %w", source, err)
		}
	}
	if err := os.Rename(staged, newPath); err != nil {
		return Pair{}, fmt.Errorf("commit %s: %w", source, err)
	}
	return Pair{Previous: prev, Current: clone(raw), Seeded: seeded, UpdatedAt: time.Now()}, nil
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := writeSynced(tmp, b); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeSynced(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.dedupSnapshotPath, b); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
