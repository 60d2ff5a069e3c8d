// Package storage persists navigation results.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the source destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister will persist files to the local disk.
type LocalFilePersister struct{}

// Persist writes the contents of data to path on the local disk. The data is
// written to a temporary file next to path first, which then replaces path,
// so readers never see a partially written file.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(cp)+".*")
	if err != nil {
		return fmt.Errorf("creating a temporary file in %q: %w", dir, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if err = ctx.Err(); err != nil {
		return fmt.Errorf("persisting %q: %w", cp, err)
	}
	if _, err = io.Copy(f, data); err != nil {
		return fmt.Errorf("writing the local file %q: %w", f.Name(), err)
	}
	if err = f.Chmod(0o600); err != nil {
		return fmt.Errorf("setting the mode of %q: %w", f.Name(), err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing the local file %q: %w", f.Name(), err)
	}
	if err = os.Rename(f.Name(), cp); err != nil {
		return fmt.Errorf("replacing the local file %q: %w", cp, err)
	}

	return nil
}

// PersistJSON writes v as indented JSON to path using p.
func PersistJSON(ctx context.Context, p FilePersister, path string, v any) error {
	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		enc.SetIndent("", "  ")
		pw.CloseWithError(enc.Encode(v))
	}()

	if err := p.Persist(ctx, path, pr); err != nil {
		_ = pr.CloseWithError(err)
		return err
	}
	return nil
}
