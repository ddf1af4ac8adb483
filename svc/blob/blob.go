// Package blob stores paste bodies. Keys look like "pastes/<id>".
package blob

import (
	"context"
	"psst/pkg/domain"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.Wrap(domain.ErrStorage, "blob not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// PresignedURL returns a time-limited read URL for key.
	PresignedURL(ctx context.Context, key string) (string, error)
}

func KeyFor(id string) string {
	return "pastes/" + id
}
