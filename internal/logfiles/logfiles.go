// Package logfiles implements the service's on-disk logs: timestamped
// per-day files with bounded retention, and the append-only fixed-width
// ticket audit log.
package logfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxFiles is how many daily log files are retained. Older files are removed
// after each write.
const MaxFiles = 30

type entry struct {
	level string
	msg   string
}

// Service writes line-based logs under a directory. It is constructed
// explicitly and stopped with Close; writes are asynchronous and their
// failures are logged, never returned to callers.
type Service struct {
	dir string
	max int

	mu     sync.Mutex
	ch     chan entry
	done   chan struct{}
	closed bool

	now func() time.Time // test hook
}

// New creates the log directory if needed and starts the writer goroutine.
func New(dir string) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Service{
		dir:  dir,
		max:  MaxFiles,
		ch:   make(chan entry, 256),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go s.run()
	return s, nil
}

func (s *Service) run() {
	defer close(s.done)
	for e := range s.ch {
		s.write(e.level, e.msg)
	}
}

// Close stops accepting writes and drains pending entries.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}

func (s *Service) enqueue(level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- entry{level, msg}:
	default:
		// Never block a request on log I/O.
		log.Warn().Str("level", level).Msg("log queue full, entry dropped")
	}
}

func (s *Service) Info(msg string)  { s.enqueue("INFO", msg) }
func (s *Service) Warn(msg string)  { s.enqueue("WARN", msg) }
func (s *Service) Error(msg string) { s.enqueue("ERROR", msg) }

// Critical writes synchronously. Used for startup failures where the process
// is about to exit and the async path would lose the line.
func (s *Service) Critical(msg string) {
	s.write("CRITICAL", msg)
}

func (s *Service) write(level, msg string) {
	now := s.now()
	name := filepath.Join(s.dir, now.Format("2006-01-02")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("file", name).Msg("open log file")
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n", now.Format(time.RFC3339), level, msg)
	if _, err := f.WriteString(line); err != nil {
		log.Error().Err(err).Str("file", name).Msg("write log file")
	}
	_ = f.Close()
	s.prune()
}

// prune removes the oldest daily files beyond the retention cap, ordered by
// modification time.
func (s *Service) prune() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Error().Err(err).Str("dir", s.dir).Msg("read log dir")
		return
	}
	type fileInfo struct {
		name string
		mod  time.Time
	}
	files := []fileInfo{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{e.Name(), info.ModTime()})
	}
	if len(files) <= s.max {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files[:len(files)-s.max] {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			log.Error().Err(err).Str("file", f.name).Msg("prune log file")
		}
	}
}

// List returns the daily log file names, newest first.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Read returns the content of one daily log file. The name is restricted to
// a bare file name inside the log directory.
func (s *Service) Read(name string) ([]byte, error) {
	if name != filepath.Base(name) || filepath.Ext(name) != ".log" {
		return nil, os.ErrNotExist
	}
	return os.ReadFile(filepath.Join(s.dir, name))
}
