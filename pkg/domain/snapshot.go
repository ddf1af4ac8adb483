package domain

import (
	"time"
)

// Snapshot is the fully resolved paste handed to callers and kept by the
// cache layer. Content is already decrypted for secured pastes. The password
// is never part of a snapshot.
type Snapshot struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	OwnerID     string     `json:"owner_id"`
	Tags        []string   `json:"tags"`
	Visibility  Visibility `json:"visibility"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsSecured   bool       `json:"is_secured"`
	ContentSize int64      `json:"content_size"`
	ClickCount  int64      `json:"click_count"`
	CreatedAt   time.Time  `json:"created_at"`
	Content     string     `json:"content"`
}

func NewSnapshot(p *Paste, content string) *Snapshot {
	tags := make([]string, len(p.Tags))
	copy(tags, p.Tags)
	return &Snapshot{
		ID:          p.ID,
		Title:       p.Title,
		OwnerID:     p.OwnerID,
		Tags:        tags,
		Visibility:  p.Visibility,
		ExpiresAt:   p.ExpiresAt,
		IsSecured:   p.IsSecured,
		ContentSize: p.ContentSize,
		ClickCount:  p.ClickCount,
		CreatedAt:   p.CreatedAt,
		Content:     content,
	}
}

func (s *Snapshot) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

func (s *Snapshot) ReadableBy(requesterID string) bool {
	if s.Visibility != VisibilityPrivate {
		return true
	}
	return requesterID != "" && requesterID == s.OwnerID
}
