// Package storage keeps RAW inputs and encoded outputs on disk for the
// example shell and other callers. The processing core never imports it.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// Sidecar describes an encoded output. It is written next to the output as
// <key>.meta.json.
type Sidecar struct {
	TaskID    string            `json:"taskId,omitempty"`
	MIMEType  string            `json:"mimeType"`
	Source    core.DecodeSource `json:"source,omitempty"`
	Backend   string            `json:"backend,omitempty"`
	Meta      core.RawMetadata  `json:"metadata"`
	Plan      *core.MemoryPlan  `json:"plan,omitempty"`
	Preview   bool              `json:"previewOnly,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

const sidecarSuffix = ".meta.json"

// Local stores files under a root directory. Keys are slash-separated paths
// relative to the root and may not escape it.
type Local struct {
	rootDir     string
	permissions os.FileMode
	maxBytes    int64
}

// NewLocal creates a Local store rooted at dir. maxBytes bounds Get; 0
// disables the bound.
func NewLocal(dir string, perm os.FileMode, maxBytes int64) (*Local, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.new", err)
	}
	return &Local{rootDir: dir, permissions: perm, maxBytes: maxBytes}, nil
}

func (l *Local) path(op, key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.CategoryStorage, op, fmt.Errorf("invalid key %q", key))
	}
	return filepath.Join(l.rootDir, clean), nil
}

// Put writes data under key, replacing any previous file, and the sidecar
// when one is given.
func (l *Local) Put(ctx context.Context, key string, data []byte, sc *Sidecar) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put", err)
	}
	path, err := l.path("local.put", key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.mkdir", err)
	}
	if err := l.write(path, data); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.write", err)
	}
	if sc == nil {
		return nil
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sc); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.sidecar", err)
	}
	if err := l.write(path+sidecarSuffix, buf.Bytes()); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.sidecar", err)
	}
	return nil
}

// write goes through a temp file so readers never see a partial output.
func (l *Local) write(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(l.permissions); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Open returns a reader over the file stored under key.
func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.open", err)
	}
	path, err := l.path("local.open", key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.New(apperrors.CategoryStorage, "local.open", fmt.Errorf("key not found: %s: %w", key, err))
		}
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.open", err)
	}
	return f, nil
}

// Get reads the whole file stored under key, bounded by maxBytes.
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := l.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	r := io.Reader(rc)
	if l.maxBytes > 0 {
		r = io.LimitReader(rc, l.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.get", err)
	}
	if l.maxBytes > 0 && int64(len(data)) > l.maxBytes {
		return nil, apperrors.New(apperrors.CategoryInput, "local.get",
			fmt.Errorf("%s exceeds %d bytes", key, l.maxBytes))
	}
	return data, nil
}

// Sidecar reads the sidecar stored with key.
func (l *Local) Sidecar(ctx context.Context, key string) (*Sidecar, error) {
	data, err := l.Get(ctx, key+sidecarSuffix)
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.sidecar", err)
	}
	return &sc, nil
}

// Delete removes key and its sidecar. Missing files are not an error.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.delete", err)
	}
	path, err := l.path("local.delete", key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.delete", err)
	}
	_ = os.Remove(path + sidecarSuffix)
	return nil
}

// Exists reports whether key is stored.
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, "local.exists", err)
	}
	path, err := l.path("local.exists", key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.CategoryStorage, "local.exists", err)
}
