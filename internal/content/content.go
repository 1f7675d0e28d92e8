// Package content keeps the uploaded sample bytes addressed by their SHA1.
package content

import (
	"context"
	"fmt"
	"regexp"

	"github.com/CZERTAINLY/daas/internal/model"
)

type Store interface {
	Put(ctx context.Context, key string, b []byte) error
	// Get returns model.ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var keyRx = regexp.MustCompile(`^[0-9a-f]{40}$`)

func checkKey(key string) error {
	if !keyRx.MatchString(key) {
		return fmt.Errorf("invalid content key %q", key)
	}
	return nil
}

// New returns the store selected by cfg, which may be nil.
func New(ctx context.Context, cfg *model.Content) (Store, error) {
	if cfg == nil {
		return Discard{}, nil
	}
	switch cfg.Type {
	case model.ContentFS:
		return NewDir(cfg.Dir)
	case model.ContentS3:
		if cfg.S3 == nil {
			return nil, fmt.Errorf("content.s3 is nil")
		}
		return NewS3(ctx, *cfg.S3)
	case model.ContentNone, "":
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", cfg.Type)
	}
}

// Discard keeps nothing.
type Discard struct{}

func (Discard) Put(context.Context, string, []byte) error { return nil }

func (Discard) Get(_ context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("content %s: %w", key, model.ErrNotFound)
}

func (Discard) Delete(context.Context, string) error { return nil }
