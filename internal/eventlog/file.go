package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"positionkeeper/internal/model"
)

const lockRetryDelay = 50 * time.Millisecond

// FileStore persists collections in a JSON file holding one array per
// storage key. Writes hold an exclusive lock on a sibling ".lock" file and
// replace the data file atomically.
type FileStore struct {
	path string
	key  string
}

// NewFileStore creates a file store. An empty key uses DefaultKey.
func NewFileStore(path, key string) *FileStore {
	if key == "" {
		key = DefaultKey
	}
	return &FileStore{path: path, key: key}
}

func (f *FileStore) readAll() (map[string][]model.HookEvent, error) {
	all := make(map[string][]model.HookEvent)

	stat, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return all, nil
		}
		return nil, fmt.Errorf("stat event log: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("event log path is a directory")
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse event log: %w", err)
	}
	return all, nil
}

// Load returns the collection stored under the key.
func (f *FileStore) Load(context.Context) ([]model.HookEvent, error) {
	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	return all[f.key], nil
}

// Update applies fn to the collection stored under the key while holding
// the file lock. Collections under other keys are kept.
func (f *FileStore) Update(ctx context.Context, fn UpdateFunc) ([]model.HookEvent, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	lock := flock.New(f.path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock event log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock event log: %s is held", lock.Path())
	}
	defer lock.Unlock()

	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	next, err := fn(all[f.key])
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = []model.HookEvent{}
	}
	all[f.key] = next
	if err := f.writeAll(dir, all); err != nil {
		return nil, err
	}
	return next, nil
}

// Save replaces the collection stored under the key.
func (f *FileStore) Save(ctx context.Context, events []model.HookEvent) error {
	_, err := f.Update(ctx, Replace(events))
	return err
}

func (f *FileStore) writeAll(dir string, all map[string][]model.HookEvent) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event log: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create event log tmp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write event log tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close event log tmp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod event log tmp: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename event log: %w", err)
	}
	return nil
}
