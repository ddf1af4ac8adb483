package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"psst/pkg/domain"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidKey       = errors.Wrap(domain.ErrInvalidRequest, "invalid blob key")
	ErrInvalidSignature = errors.Wrap(domain.ErrForbidden, "invalid or expired blob signature")
)

// FS keeps blobs under a local directory. Its presigned URLs point back at
// this service's /blobs/ route and carry an HMAC over key and expiry.
type FS struct {
	dir     string
	baseURL string
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

func NewFS(dir, baseURL string, signKey []byte, ttl time.Duration) (*FS, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create blob dir")
	}
	if len(signKey) == 0 {
		return nil, errors.New("blob signing key must not be empty")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &FS{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		signKey: signKey,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func (f *FS) path(key string) (string, error) {
	clean := path.Clean(key)
	if key == "" || clean != key || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "..") {
		return "", errors.Wrap(ErrInvalidKey, key)
	}
	return filepath.Join(f.dir, filepath.FromSlash(clean)), nil
}

// Put writes via a temp file and rename so readers never see a partial blob.
func (f *FS) Put(ctx context.Context, key string, data []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return errors.Wrapf(domain.ErrStorage, "mkdir for %s: %v", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return errors.Wrapf(domain.ErrStorage, "temp file for %s: %v", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(domain.ErrStorage, "write %s: %v", key, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(domain.ErrStorage, "close %s: %v", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return errors.Wrapf(domain.ErrStorage, "rename %s: %v", key, err)
	}
	return nil
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(domain.ErrStorage, "read %s: %v", key, err)
	}
	return data, nil
}

func (f *FS) PresignedURL(ctx context.Context, key string) (string, error) {
	if _, err := f.path(key); err != nil {
		return "", err
	}
	exp := strconv.FormatInt(f.now().Add(f.ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", exp)
	q.Set("sig", f.sign(key, exp))
	return fmt.Sprintf("%s/blobs/%s?%s", f.baseURL, key, q.Encode()), nil
}

// Verify checks a signature produced by PresignedURL.
func (f *FS) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || f.now().Unix() > exp {
		return ErrInvalidSignature
	}
	want := f.sign(key, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

func (f *FS) sign(key, expires string) string {
	mac := hmac.New(sha256.New, f.signKey)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}
