package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"engaged/internal/engage"
	logx "engaged/pkg/logx"
)

const dedupCompactEvery = 500

// fileStore persists a memStore to disk.
//
// Files next to <path>:
//   - <prefix>.messages.json   (full snapshot, rewritten on every mutation)
//   - <prefix>.audit.jsonl     (append-only)
//   - <prefix>.dedup.json      (snapshot)
//   - <prefix>.dedup.jsonl     (journal folded into the snapshot periodically)
type fileStore struct {
	*memStore
	log logx.Logger

	messagesPath  string
	dedupSnapPath string

	audit        *os.File
	dedupJournal *os.File
	dedupWrites  int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{
		memStore:      newMemStore(),
		log:           log,
		messagesPath:  prefix + ".messages.json",
		dedupSnapPath: prefix + ".dedup.json",
	}
	if err := readJSONFile(s.messagesPath, &s.msgs); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if s.msgs == nil {
		s.msgs = map[string]engage.Message{}
	}
	s.loadDedup(prefix + ".dedup.jsonl")

	var err error
	if s.audit, err = appendOnly(prefix + ".audit.jsonl"); err != nil {
		return nil, err
	}
	if s.dedupJournal, err = appendOnly(prefix + ".dedup.jsonl"); err != nil {
		_ = s.audit.Close()
		return nil, err
	}
	log.Info("file store opened", logx.String("path", prefix), logx.Int("messages", len(s.msgs)))
	return s, nil
}

func appendOnly(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

func (s *fileStore) SaveMessage(ctx context.Context, m *engage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.msgs[m.ID]
	s.msgs[m.ID] = cloneMessage(*m)
	if err := writeJSONAtomic(s.messagesPath, s.msgs); err != nil {
		if had {
			s.msgs[m.ID] = prev
		} else {
			delete(s.msgs, m.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, ok := s.msgs[id]
	if !ok {
		return engage.ErrMessageNotFound
	}
	delete(s.msgs, id)
	if err := writeJSONAtomic(s.messagesPath, s.msgs); err != nil {
		s.msgs[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, rec engage.AuditRecord) error {
	if err := s.memStore.AppendAudit(ctx, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.NewEncoder(s.audit).Encode(rec)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until
	if err := json.NewEncoder(s.dedupJournal).Encode(dedupRecord{Key: key, Until: until.UnixMilli()}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%dedupCompactEvery == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.compactDedupLocked()
	return errors.Join(err, s.audit.Close(), s.dedupJournal.Close())
}

func (s *fileStore) loadDedup(journalPath string) {
	snap := map[string]int64{}
	if err := readJSONFile(s.dedupSnapPath, &snap); err != nil {
		s.log.Warn("dedup snapshot unreadable; starting empty", logx.Err(err))
	}
	for k, ms := range snap {
		s.dedup[k] = time.UnixMilli(ms)
	}
	f, err := os.Open(journalPath)
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if json.Unmarshal(sc.Bytes(), &r) == nil && r.Key != "" {
			s.dedup[r.Key] = time.UnixMilli(r.Until)
		}
	}
	s.pruneDedupLocked(time.Now())
}

func (s *fileStore) compactDedupLocked() error {
	s.pruneDedupLocked(time.Now())
	snap := make(map[string]int64, len(s.dedup))
	for k, until := range s.dedup {
		snap[k] = until.UnixMilli()
	}
	if err := writeJSONAtomic(s.dedupSnapPath, snap); err != nil {
		return err
	}
	if err := s.dedupJournal.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournal.Seek(0, io.SeekEnd)
	return err
}

// readJSONFile leaves v untouched when path does not exist.
func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
