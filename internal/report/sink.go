package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/schaermu/workersyncd/internal/fault"
)

const (
	lastSyncFile   = "last_sync.json"
	syncLogFile    = "sync.log"
	lastBackupFile = "last_backup.json"
	backupLogFile  = "backup.log"
)

// Sink writes cycle records below a state directory.
// It is safe for concurrent use by the sync and backup cycles.
type Sink struct {
	dir string
	mu  sync.Mutex
}

// NewSink creates a sink rooted at dir. The directory is created on first write.
func NewSink(dir string) *Sink {
	return &Sink{dir: dir}
}

// Dir returns the state directory
func (s *Sink) Dir() string {
	return s.dir
}

// WriteSync replaces the last sync record and appends it to the sync log
func (s *Sink) WriteSync(r *SyncReport) error {
	return s.write(lastSyncFile, syncLogFile, r)
}

// WriteBackup replaces the last backup record and appends it to the backup log
func (s *Sink) WriteBackup(b *BackupSummary) error {
	return s.write(lastBackupFile, backupLogFile, b)
}

// LastSync reads the last sync record; ErrNoRecord when none exists
func (s *Sink) LastSync() (*SyncReport, error) {
	var r SyncReport
	if err := s.read(lastSyncFile, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LastBackup reads the last backup record; ErrNoRecord when none exists
func (s *Sink) LastBackup() (*BackupSummary, error) {
	var b BackupSummary
	if err := s.read(lastBackupFile, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SyncHistory returns up to n of the most recent sync log entries, newest last.
// Lines that do not parse are skipped.
func (s *Sink) SyncHistory(n int) ([]SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, syncLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.New(fault.ResourceUnavailable, "read sync log", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var history []SyncReport
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r SyncReport
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		history = append(history, r)
		if n > 0 && len(history) > n {
			history = history[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.New(fault.ResourceUnavailable, "read sync log", err)
	}
	return history, nil
}

func (s *Sink) write(lastName, logName string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fault.New(fault.ResourceUnavailable, "create state directory", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fault.New(fault.Unexpected, "encode record", err)
	}
	if err := WriteFileAtomic(filepath.Join(s.dir, lastName), append(data, '\n'), 0644); err != nil {
		return fault.New(fault.ResourceUnavailable, "write "+lastName, err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fault.New(fault.Unexpected, "encode record", err)
	}
	if err := appendLine(filepath.Join(s.dir, logName), line); err != nil {
		return fault.New(fault.ResourceUnavailable, "append "+logName, err)
	}
	return nil
}

func (s *Sink) read(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoRecord
		}
		return fault.New(fault.ResourceUnavailable, "read "+name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteFileAtomic writes data to a temp file next to path and renames it into place
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".workersyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// IsNoRecord reports whether err means no record has been written yet
func IsNoRecord(err error) bool {
	return errors.Is(err, ErrNoRecord)
}
