package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "serialbot/pkg/logx"
)

// fileStore keeps everything in plain files next to cfg.Path:
//   - <prefix>.audit.jsonl         append-only JSON Lines
//   - <prefix>.dedup.snapshot.json periodic snapshot
//   - <prefix>.dedup.journal.jsonl append-only journal, compacted into the snapshot
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

var errClosed = errors.New("storage closed")

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
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
	if err := loadDedupSnapshot(snapPath, dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot unreadable", logx.Err(err))
	}
	if err := replayDedupJournal(journalPath, dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup journal unreadable", logx.Err(err))
	}
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Info("storage opened", logx.String("prefix", prefix))
	return &fileStore{
		log:               log,
		auditPath:         auditPath,
		auditFile:         af,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) AuditTotals(ctx context.Context, since time.Time) ([]AuditTotals, error) {
	s.mu.Lock()
	closed := s.auditFile == nil
	s.mu.Unlock()
	if closed {
		return nil, errClosed
	}

	f, err := os.Open(s.auditPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	totals := map[string]*AuditTotals{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 0; sc.Scan(); n++ {
		if n%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.At.Before(since) {
			continue
		}
		t := totals[e.Action]
		if t == nil {
			t = &AuditTotals{Action: e.Action}
			totals[e.Action] = t
		}
		t.Requests++
		t.OK += e.OK
		t.Fail += e.Fail
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return sortTotals(totals), nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errClosed
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

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, io.SeekEnd)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
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
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
