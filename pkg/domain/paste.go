package domain

import (
	"time"
)

// MaxStoredSize is the ceiling on the stored representation of a paste body,
// measured after encryption for secured pastes.
const MaxStoredSize = 1024 * 1024

type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Paste is the durable metadata row. The body lives in the blob store under
// ContentKey.
type Paste struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	ContentKey  string     `json:"content_key"`
	OwnerID     string     `json:"owner_id"`
	Tags        []string   `json:"tags"`
	Visibility  Visibility `json:"visibility"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsSecured   bool       `json:"is_secured"`
	Password    string     `json:"-"`
	Checksum    string     `json:"checksum,omitempty"`
	ContentSize int64      `json:"content_size"`
	ClickCount  int64      `json:"click_count"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// ReadableBy reports whether requesterID passes the visibility gate.
func (p *Paste) ReadableBy(requesterID string) bool {
	if p.Visibility != VisibilityPrivate {
		return true
	}
	return requesterID != "" && requesterID == p.OwnerID
}

type CreateParams struct {
	Title      string
	Content    string
	Tags       string
	Visibility Visibility
	ExpiresAt  *time.Time
	IsSecured  bool
	Password   string
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
