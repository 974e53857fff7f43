package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/riptide-engine/riptide/errs"
)

// File persists each document as one JSON file under a directory. Writes go
// through a temp file and rename so a crash never leaves a torn document.
type File struct {
	dir string
	mu  sync.Mutex
}

type fileEnvelope struct {
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// NewFile creates the directory if needed and returns the store.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errs.New("statestore/file", errs.CodeInvalid,
			errs.WithMessage("directory required"))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("statestore: create %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Load reads and decodes the document file.
func (f *File) Load(ctx context.Context, key Key) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if err := ctxErr(ctx, "load"); err != nil {
		return Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return Record{}, notFound(key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("statestore: read %s: %w", key, err)
	}
	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Record{}, errs.New("statestore/load", errs.CodeInvalid,
			errs.WithKind(errs.KindFatal),
			errs.WithMessage(fmt.Sprintf("corrupted document %s", key)),
			errs.WithCause(err))
	}
	return Record{
		Key:       key,
		Version:   env.Version,
		Data:      append([]byte(nil), env.Data...),
		UpdatedAt: env.UpdatedAt,
	}, nil
}

// Save writes the document atomically, carrying the version forward.
func (f *File) Save(ctx context.Context, key Key, data []byte) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if err := ctxErr(ctx, "save"); err != nil {
		return Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var version uint64
	if raw, err := os.ReadFile(f.path(key)); err == nil {
		var env fileEnvelope
		if json.Unmarshal(raw, &env) == nil {
			version = env.Version
		}
	}

	env := fileEnvelope{
		Version:   version + 1,
		UpdatedAt: time.Now().UTC(),
		Data:      json.RawMessage(data),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return Record{}, fmt.Errorf("statestore: encode %s: %w", key, err)
	}

	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o640); err != nil {
		return Record{}, fmt.Errorf("statestore: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return Record{}, fmt.Errorf("statestore: commit %s: %w", key, err)
	}
	return Record{
		Key:       key,
		Version:   env.Version,
		Data:      append([]byte(nil), data...),
		UpdatedAt: env.UpdatedAt,
	}, nil
}

// Delete removes the document file; missing files are a no-op.
func (f *File) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctxErr(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statestore: delete %s: %w", key, err)
	}
	return nil
}

func (f *File) path(key Key) string {
	return filepath.Join(f.dir, string(key)+".json")
}

var _ Store = (*File)(nil)

func notFound(key Key) error {
	return errs.New("statestore/load", errs.CodeNotFound,
		errs.WithMessage(fmt.Sprintf("no document for key %s", key)))
}
