package taskdef

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskrunner/internal/config"
	logx "taskrunner/pkg/logx"
)

// Document is a loaded task file.
type Document struct {
	Path  string
	Tasks map[string]Raw
}

// FileSource reads the task file. The first Load reads from InitialDir,
// every later Load from ReloadDir (the hotload root).
type FileSource struct {
	File       string
	InitialDir string
	ReloadDir  string

	log logx.Logger

	mu     sync.Mutex
	loaded bool

	// signalled when the first successful Load moves Path to ReloadDir
	switched chan struct{}
}

func NewFileSource(file, initialDir, reloadDir string, log logx.Logger) *FileSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileSource{File: file, InitialDir: initialDir, ReloadDir: reloadDir, log: log, switched: make(chan struct{}, 1)}
}

// Path returns the path the next Load reads.
func (s *FileSource) Path() string {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	return s.pathFor(loaded)
}

func (s *FileSource) pathFor(loaded bool) string {
	dir := s.InitialDir
	if loaded {
		dir = s.ReloadDir
	}
	if filepath.IsAbs(s.File) {
		return s.File
	}
	return filepath.Join(dir, s.File)
}

// Load reads and decodes the task file. Only a successful first load
// switches later loads to the reload directory.
func (s *FileSource) Load(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(s.loaded)
	doc, err := ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	if !s.loaded {
		s.log.Debug("initial task file loaded", logx.String("path", path), logx.Int("tasks", len(doc.Tasks)))
		if s.pathFor(true) != path {
			select {
			case s.switched <- struct{}{}:
			default:
			}
		}
	}
	s.loaded = true
	return doc, nil
}

// ReadFile reads one task document from path.
func ReadFile(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read task file: %w", err)
	}
	jb, err := config.ToJSON(path, b)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	var top struct {
		Tasks map[string]json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(jb, &top); err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	if top.Tasks == nil {
		return Document{}, fmt.Errorf("%s: missing top-level \"tasks\" object", path)
	}
	doc := Document{Path: path, Tasks: make(map[string]Raw, len(top.Tasks))}
	for id, msg := range top.Tasks {
		var raw Raw
		if err := json.Unmarshal(msg, &raw); err != nil || raw == nil {
			// kept as an empty entry so the validator reports it per task
			raw = Raw{}
		}
		doc.Tasks[id] = raw
	}
	return doc, nil
}

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch calls notify (debounced) whenever the file at Path() changes.
// When a load moves Path to the reload directory the watcher follows it.
// A broken fsnotify watcher is recreated with jittered backoff.
// Watch blocks until ctx is done.
func (s *FileSource) Watch(ctx context.Context, notify func()) error {
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func(path string) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("task file changed", logx.String("path", path))
			notify()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		path := s.Path()
		dir := filepath.Dir(path)
		file := filepath.Base(path)

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			s.log.Warn("task watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleepCtx(ctx, nextWait()) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		s.log.Debug("task watcher started", logx.String("dir", dir), logx.String("file", file))

		broken, moved := false, false
		for !broken && !moved {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case <-s.switched:
				moved = s.Path() != path
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce(path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					s.log.Warn("task watch overflow; forcing reload", logx.String("dir", dir))
					debounce(path)
					continue
				}
				s.log.Warn("task watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
		_ = w.Close()
		if moved {
			s.log.Debug("task watcher following reload dir", logx.String("dir", filepath.Dir(s.Path())))
			continue
		}

		wait := nextWait()
		s.log.Warn("task watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
