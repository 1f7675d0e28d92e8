package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/CZERTAINLY/daas/internal/model"
)

// Dir stores every sample as a file inside a root directory.
type Dir struct {
	root *os.Root
}

func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Close() error {
	if d.root == nil {
		return nil
	}
	err := d.root.Close()
	d.root = nil
	return err
}

func (d *Dir) Put(_ context.Context, key string, b []byte) error {
	if d.root == nil {
		return errors.New("root already closed")
	}
	if err := checkKey(key); err != nil {
		return err
	}
	f, err := d.root.Create(key + ".tmp")
	if err != nil {
		return fmt.Errorf("creating sample file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = d.root.Remove(key + ".tmp")
		return fmt.Errorf("writing sample file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = d.root.Remove(key + ".tmp")
		return fmt.Errorf("closing sample file: %w", err)
	}
	return d.root.Rename(key+".tmp", key)
}

func (d *Dir) Get(_ context.Context, key string) ([]byte, error) {
	if d.root == nil {
		return nil, errors.New("root already closed")
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	b, err := d.root.ReadFile(key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("content %s: %w", key, model.ErrNotFound)
	}
	return b, err
}

func (d *Dir) Delete(_ context.Context, key string) error {
	if d.root == nil {
		return errors.New("root already closed")
	}
	if err := checkKey(key); err != nil {
		return err
	}
	err := d.root.Remove(key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
