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
	"sync"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// fileStore keeps definitions in memory and persists them as:
//   - <prefix>.tasks.snapshot.json  (full state, rewritten on compaction)
//   - <prefix>.tasks.journal.jsonl  (append-only put/delete records)
//
// The journal is replayed over the snapshot on open and compacted into it
// every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu  sync.Mutex
	mem *memoryStore

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string           `json:"op"` // "put" or "del"
	ID  int64            `json:"id"`
	Def *task.Definition `json:"def,omitempty"`
}

type fileSnapshot struct {
	NextID int64              `json:"next_id"`
	Defs   []*task.Definition `json:"defs"`
}

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

	s := &fileStore{
		log:          log,
		mem:          &memoryStore{defs: map[int64]*task.Definition{}},
		snapshotPath: prefix + ".tasks.snapshot.json",
		compactEvery: 500,
	}
	journalPath := prefix + ".tasks.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.mem.nextID = snap.NextID
	for _, d := range snap.Defs {
		if d != nil {
			s.mem.defs[d.ID] = d
		}
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// a torn final line after a crash
			s.log.Warn("skipping bad journal line", logx.Err(err))
			continue
		}
		switch r.Op {
		case "put":
			if r.Def != nil {
				s.mem.defs[r.Def.ID] = r.Def
				s.mem.nextID = max(s.mem.nextID, r.Def.ID)
			}
		case "del":
			delete(s.mem.defs, r.ID)
		}
	}
	return sc.Err()
}

func (s *fileStore) GetTasks(ctx context.Context) ([]*task.Definition, error) {
	return s.mem.GetTasks(ctx)
}

func (s *fileStore) GetTask(ctx context.Context, id int64) (*task.Definition, error) {
	return s.mem.GetTask(ctx, id)
}

func (s *fileStore) GetTaskByName(ctx context.Context, name string) (*task.Definition, error) {
	return s.mem.GetTaskByName(ctx, name)
}

func (s *fileStore) CreateTask(ctx context.Context, def *task.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.CreateTask(ctx, def); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: "put", ID: def.ID, Def: def})
}

func (s *fileStore) UpdateTask(ctx context.Context, def *task.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.UpdateTask(ctx, def); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: "put", ID: def.ID, Def: def})
}

func (s *fileStore) DeleteTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.DeleteTask(ctx, id); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: "del", ID: id})
}

func (s *fileStore) SetLastExecutionTime(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.SetLastExecutionTime(ctx, id, at); err != nil {
		return err
	}
	d, err := s.mem.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: "put", ID: id, Def: d})
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot atomically, then truncates the journal.
func (s *fileStore) compactLocked() error {
	defs, err := s.mem.GetTasks(context.Background())
	if err != nil {
		return err
	}
	s.mem.mu.RLock()
	snap := fileSnapshot{NextID: s.mem.nextID, Defs: defs}
	s.mem.mu.RUnlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	_ = s.mem.Close()
	return errors.Join(cerr, err)
}
