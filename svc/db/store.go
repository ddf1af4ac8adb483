package db

import (
	"context"
	"psst/pkg/domain"
)

// Store is the durable metadata contract shared by the SQLite and
// PostgreSQL backends.
type Store interface {
	Insert(ctx context.Context, p *domain.Paste) error
	FindByID(ctx context.Context, id string) (*domain.Paste, error)
	ApplyClicks(ctx context.Context, deltas map[string]int64) error
	EachID(ctx context.Context, fn func(id string) error) error
	CreateUser(ctx context.Context, u *domain.User) error
	FindUserByName(ctx context.Context, username string) (*domain.User, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)
