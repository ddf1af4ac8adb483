package db

import (
	"context"
	"psst/pkg/domain"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const pgUniqueViolation = "23505"

type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgres opens a pool against dsn. The schema must already be migrated.
func NewPostgres(ctx context.Context, dsn string, maxConns int, queryTimeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Postgres{pool: pool, queryTimeout: queryTimeout}, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *Postgres) Insert(ctx context.Context, paste *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pastes (id, title, content_key, owner_id, tags, visibility, expires_at, is_secured, password, checksum, content_size, click_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)`,
		paste.ID, paste.Title, paste.ContentKey, paste.OwnerID, nonNilTags(paste.Tags), string(paste.Visibility),
		paste.ExpiresAt, paste.IsSecured, paste.Password, paste.Checksum, paste.ContentSize, paste.ClickCount, paste.CreatedAt,
	)
	if isPgUniqueViolation(err) {
		return errors.Wrapf(domain.ErrDuplicateID, "insert %s", paste.ID)
	}
	return errors.Wrap(err, "pg insert")
}

func (p *Postgres) FindByID(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var (
		paste      domain.Paste
		visibility string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, title, content_key, owner_id, tags, visibility, expires_at, is_secured,
		       COALESCE(password, ''), COALESCE(checksum, ''), content_size, click_count, created_at
		FROM pastes WHERE id = $1`, id,
	).Scan(
		&paste.ID, &paste.Title, &paste.ContentKey, &paste.OwnerID, &paste.Tags, &visibility, &paste.ExpiresAt,
		&paste.IsSecured, &paste.Password, &paste.Checksum, &paste.ContentSize, &paste.ClickCount, &paste.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pg find")
	}
	paste.Visibility = domain.Visibility(visibility)
	return &paste, nil
}

func (p *Postgres) ApplyClicks(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)
	batch := &pgx.Batch{}
	for id, d := range deltas {
		batch.Queue(`UPDATE pastes SET click_count = click_count + $1 WHERE id = $2`, d, id)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "apply clicks")
	}
	return errors.Wrap(tx.Commit(ctx), "commit clicks")
}

func (p *Postgres) EachID(ctx context.Context, fn func(id string) error) error {
	rows, err := p.pool.Query(ctx, `SELECT id FROM pastes`)
	if err != nil {
		return errors.Wrap(err, "scan ids")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return errors.Wrap(err, "scan id")
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "iterate ids")
}

func (p *Postgres) CreateUser(ctx context.Context, u *domain.User) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt,
	)
	if isPgUniqueViolation(err) {
		return domain.ErrUsernameTaken
	}
	return errors.Wrap(err, "create user")
}

func (p *Postgres) FindUserByName(ctx context.Context, username string) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var u domain.User
	err := p.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find user")
	}
	return &u, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
