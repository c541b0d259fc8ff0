package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "taskrunner/pkg/logx"
)

// fileStore appends events as JSON lines and writes the stats snapshot
// atomically (tmp + rename).
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventFile *os.File
	statsPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	ef, err := os.OpenFile(filepath.Join(dir, eventLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("dir", dir))
	return &fileStore{
		log:       log,
		eventFile: ef,
		statsPath: filepath.Join(dir, statsFileName),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventFile == nil {
		return nil
	}
	err := s.eventFile.Close()
	s.eventFile = nil
	return err
}

func (s *fileStore) AppendEvent(ctx context.Context, e EventRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.eventFile).Encode(e)
}

func (s *fileStore) SaveStats(ctx context.Context, snapshot []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventFile == nil {
		return ErrClosed
	}

	tmp := s.statsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(snapshot); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statsPath)
}
