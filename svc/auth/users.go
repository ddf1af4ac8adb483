package auth

import (
	"context"
	"psst/metrics"
	"psst/pkg/domain"
	"psst/svc/util"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

const (
	minPasswordLength = 8
	// dummyHash is verified against when the user does not exist so the
	// response time does not reveal which usernames are registered.
	dummyHash = "$argon2id$v=19$m=65536,t=3,p=2$c29tZXNhbHRzb21lc2FsdA$ZHVtbXloYXNoZHVtbXloYXNoZHVtbXloYXNoZHVtbXk"
)

type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	FindUserByName(ctx context.Context, username string) (*domain.User, error)
}

type Accounts struct {
	users  UserStore
	hasher *Hasher
	tokens *Tokens
	now    func() time.Time
}

func NewAccounts(users UserStore, h *Hasher, t *Tokens) *Accounts {
	if users == nil || h == nil || t == nil {
		panic("accounts: nil dependency (users, hasher, or tokens)")
	}
	return &Accounts{users: users, hasher: h, tokens: t, now: time.Now}
}

func validateCredentials(username, password string) error {
	if !usernamePattern.MatchString(username) {
		return errors.Wrap(domain.ErrInvalidRequest, "username must be 3-32 characters of letters, digits, . _ -")
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return errors.Wrap(domain.ErrInvalidRequest, "password must be 8-1024 characters")
	}
	return nil
}

// Register creates an account and returns a session token for it.
func (a *Accounts) Register(ctx context.Context, username, password string) (string, error) {
	if err := validateCredentials(username, password); err != nil {
		return "", err
	}
	hash, err := a.hasher.Hash(ctx, password)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	u := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.users.CreateUser(ctx, u); err != nil {
		return "", err
	}
	metrics.UsersRegistered.Inc()
	util.Ctx(ctx).Info().Str("user_id", u.ID).Msg("user registered")
	return a.tokens.Issue(u)
}

func (a *Accounts) Login(ctx context.Context, username, password string) (string, error) {
	u, err := a.users.FindUserByName(ctx, username)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return "", errors.Wrap(err, "find user")
	}
	encoded := dummyHash
	if u != nil {
		encoded = u.PasswordHash
	}
	ok, verr := a.hasher.Verify(password, encoded)
	if verr != nil {
		return "", errors.Wrap(verr, "verify password")
	}
	if u == nil || !ok {
		return "", domain.ErrInvalidCredentials
	}
	return a.tokens.Issue(u)
}
