// Package svc orchestrates paste creation and retrieval across the id
// generator, encryption engine, blob store, metadata store, snapshot cache
// and click aggregator.
package svc

import (
	"context"
	"crypto/subtle"
	"psst/metrics"
	"psst/pkg/domain"
	"psst/svc/blob"
	"psst/svc/events"
	"psst/svc/util"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleLength = 100
	maxTags        = 32
	maxTagLength   = 64
)

type MetaStore interface {
	Insert(ctx context.Context, p *domain.Paste) error
	FindByID(ctx context.Context, id string) (*domain.Paste, error)
}

type Cache interface {
	Get(ctx context.Context, id string) (*domain.Snapshot, bool)
	Put(ctx context.Context, s *domain.Snapshot)
}

type Clicks interface {
	Increment(id string)
}

type IDs interface {
	Generate() (string, error)
}

type Sealer interface {
	Seal(plaintext []byte) ([]byte, string, error)
	Open(stored []byte, checksum string) ([]byte, error)
}

type Deps struct {
	Meta   MetaStore
	Blobs  blob.Store
	Cache  Cache
	Clicks Clicks
	IDs    IDs
	Crypt  Sealer
	Events events.Publisher
}

type Paste struct {
	meta   MetaStore
	blobs  blob.Store
	cache  Cache
	clicks Clicks
	ids    IDs
	crypt  Sealer
	events events.Publisher
	now    func() time.Time

	maxWrites       int32
	activeCreateOps int32
	loads           singleflight.Group
	mu              sync.RWMutex
	shutdown        bool
	opWg            sync.WaitGroup
}

// NewPaste wires the orchestrator. maxConcurrentWrites <= 0 disables the
// in-flight create ceiling. A nil Events publisher is replaced with a no-op.
func NewPaste(d Deps, maxConcurrentWrites int) *Paste {
	if d.Meta == nil || d.Blobs == nil || d.Cache == nil || d.Clicks == nil || d.IDs == nil || d.Crypt == nil {
		panic("paste service: nil dependency (meta, blobs, cache, clicks, ids, or crypt)")
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	return &Paste{
		meta:      d.Meta,
		blobs:     d.Blobs,
		cache:     d.Cache,
		clicks:    d.Clicks,
		ids:       d.IDs,
		crypt:     d.Crypt,
		events:    d.Events,
		now:       time.Now,
		maxWrites: int32(maxConcurrentWrites),
	}
}

// Shutdown rejects new creates and waits for the in-flight ones.
func (p *Paste) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) begin() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown {
		return errors.Wrap(domain.ErrServiceNotReady, "shutting down")
	}
	p.opWg.Add(1)
	return nil
}

// ParseTags splits a comma separated tag list, trimming and NFC-normalizing
// each tag and dropping empties. Order is preserved.
func ParseTags(raw string) []string {
	tags := []string{}
	for _, t := range strings.Split(raw, ",") {
		t = norm.NFC.String(strings.TrimSpace(t))
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func (p *Paste) validate(params *domain.CreateParams) ([]string, error) {
	params.Title = norm.NFC.String(strings.TrimSpace(params.Title))
	if n := utf8.RuneCountInString(params.Title); n < 1 || n > maxTitleLength {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "title must be 1-100 characters")
	}
	if len(params.Content) > domain.MaxStoredSize {
		return nil, domain.ErrPasteTooLarge
	}
	if params.Visibility == "" {
		params.Visibility = domain.VisibilityPublic
	}
	if !params.Visibility.Valid() {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "visibility must be PUBLIC or PRIVATE")
	}
	if params.ExpiresAt != nil && !params.ExpiresAt.After(p.now()) {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "expiration must be in the future")
	}
	if params.IsSecured && params.Password == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "secured paste requires a password")
	}
	tags := ParseTags(params.Tags)
	if len(tags) > maxTags {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "too many tags")
	}
	for _, t := range tags {
		if utf8.RuneCountInString(t) > maxTagLength {
			return nil, errors.Wrap(domain.ErrInvalidRequest, "tag too long")
		}
	}
	return tags, nil
}

// Create stores a new paste owned by ownerID and returns its id.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams, ownerID string) (string, error) {
	if err := p.begin(); err != nil {
		return "", err
	}
	defer p.opWg.Done()
	if load := atomic.AddInt32(&p.activeCreateOps, 1); p.maxWrites > 0 && load > p.maxWrites {
		atomic.AddInt32(&p.activeCreateOps, -1)
		return "", errors.Wrap(domain.ErrServiceNotReady, "too many concurrent writes")
	}
	defer atomic.AddInt32(&p.activeCreateOps, -1)

	if ownerID == "" {
		return "", domain.ErrUnauthorized
	}
	tags, err := p.validate(&params)
	if err != nil {
		return "", err
	}
	id, err := p.ids.Generate()
	if err != nil {
		return "", err
	}

	stored := []byte(params.Content)
	var checksum, password string
	if params.IsSecured {
		stored, checksum, err = p.crypt.Seal(stored)
		if err != nil {
			return "", errors.Wrap(err, "seal content")
		}
		password = params.Password
	}
	if len(stored) > domain.MaxStoredSize {
		return "", domain.ErrPasteTooLarge
	}

	log := util.Ctx(ctx)
	key := blob.KeyFor(id)
	if err := p.blobs.Put(ctx, key, stored); err != nil {
		return "", errors.Wrap(err, "upload content")
	}
	paste := &domain.Paste{
		ID:          id,
		Title:       params.Title,
		ContentKey:  key,
		OwnerID:     ownerID,
		Tags:        tags,
		Visibility:  params.Visibility,
		ExpiresAt:   params.ExpiresAt,
		IsSecured:   params.IsSecured,
		Password:    password,
		Checksum:    checksum,
		ContentSize: int64(len(stored)),
		CreatedAt:   p.now().UTC(),
	}
	if err := p.meta.Insert(ctx, paste); err != nil {
		log.Error().Err(err).Str("id", id).Str("blob_key", key).Msg("metadata insert failed, blob orphaned")
		return "", errors.Wrap(err, "insert paste")
	}

	p.events.PasteCreated(ctx, events.PasteCreated{
		ID:         id,
		OwnerID:    ownerID,
		Visibility: string(paste.Visibility),
		IsSecured:  paste.IsSecured,
		Size:       paste.ContentSize,
		CreatedAt:  paste.CreatedAt,
	})
	metrics.PasteCreated.Inc()
	log.Info().Str("id", id).Bool("secured", paste.IsSecured).Int64("size", paste.ContentSize).Msg("paste created")
	return id, nil
}

// Get returns the paste snapshot. A cache hit still enforces expiry and
// visibility but does not re-check the paste password.
func (p *Paste) Get(ctx context.Context, id, password, requesterID string) (*domain.Snapshot, error) {
	now := p.now()
	if s, ok := p.cache.Get(ctx, id); ok {
		if s.Expired(now) {
			return nil, domain.ErrPasteNotFound
		}
		if !s.ReadableBy(requesterID) {
			return nil, domain.ErrForbidden
		}
		p.served(id)
		return s, nil
	}

	paste, err := p.readable(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if paste.IsSecured {
		if password == "" {
			return nil, domain.ErrPasswordRequired
		}
		if subtle.ConstantTimeCompare([]byte(password), []byte(paste.Password)) != 1 {
			return nil, domain.ErrInvalidPassword
		}
	}

	v, err, _ := p.loads.Do(id, func() (interface{}, error) {
		return p.load(ctx, paste)
	})
	if err != nil {
		return nil, err
	}
	p.served(id)
	return v.(*domain.Snapshot), nil
}

// RawURL returns a presigned read URL for a plain paste body. Secured
// pastes are only served decrypted through Get.
func (p *Paste) RawURL(ctx context.Context, id, requesterID string) (string, error) {
	paste, err := p.readable(ctx, id, requesterID)
	if err != nil {
		return "", err
	}
	if paste.IsSecured {
		return "", domain.ErrSecuredRaw
	}
	url, err := p.blobs.PresignedURL(ctx, paste.ContentKey)
	if err != nil {
		return "", errors.Wrap(err, "presign content")
	}
	p.served(id)
	return url, nil
}

// readable loads metadata and applies the expiry and visibility gates.
func (p *Paste) readable(ctx context.Context, id, requesterID string) (*domain.Paste, error) {
	paste, err := p.meta.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "find paste")
	}
	if paste.Expired(p.now()) {
		return nil, domain.ErrPasteNotFound
	}
	if !paste.ReadableBy(requesterID) {
		return nil, domain.ErrForbidden
	}
	return paste, nil
}

func (p *Paste) load(ctx context.Context, paste *domain.Paste) (*domain.Snapshot, error) {
	body, err := p.blobs.Get(ctx, paste.ContentKey)
	if err != nil {
		return nil, errors.Wrap(err, "fetch content")
	}
	if paste.IsSecured {
		if body, err = p.crypt.Open(body, paste.Checksum); err != nil {
			util.Ctx(ctx).Warn().Str("id", paste.ID).Msg("stored paste failed integrity check")
			return nil, err
		}
	}
	s := domain.NewSnapshot(paste, string(body))
	p.cache.Put(ctx, s)
	return s, nil
}

func (p *Paste) served(id string) {
	p.clicks.Increment(id)
	metrics.PasteRetrieved.Inc()
}
