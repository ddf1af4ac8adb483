package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"psst/svc/util"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxPasswordLength = 1024
	hashTimeout       = 5 * time.Second
	defaultMinVerify  = 250 * time.Millisecond
)

var (
	ErrHasherStopped  = errors.New("hasher is shutting down")
	ErrPasswordLength = errors.New("password too long")
)

// Hasher computes argon2id hashes of account passwords on a fixed pool of
// workers so a burst of logins cannot pin every CPU.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	pepper      []byte
	// minVerify pads Verify so unknown users and bad hashes take as long
	// as real checks.
	minVerify time.Duration
	mu        sync.RWMutex
	jobQueue  chan hashJob
	quit      chan struct{}
	wg        sync.WaitGroup
	started   bool
	startMu   sync.Mutex
	stopOnce  sync.Once
}

type hashJob struct {
	password string
	resp     chan hashResult
}

type hashResult struct {
	hash string
	err  error
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		pepper:      pepperCopy,
		minVerify:   defaultMinVerify,
		jobQueue:    make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			hash, err := h.doHash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", errors.New("hasher not started - call Start() first")
	}
	if len(password) > maxPasswordLength {
		return "", ErrPasswordLength
	}
	select {
	case <-h.quit:
		return "", ErrHasherStopped
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, hashTimeout)
	defer cancel()
	respChan := make(chan hashResult, 1)
	select {
	case h.jobQueue <- hashJob{password: password, resp: respChan}:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash queue full")
	case <-h.quit:
		return "", ErrHasherStopped
	}
	select {
	case res := <-respChan:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash timeout")
	}
}

// phc is one argon2id hash in PHC string form:
// $argon2id$v=19$m=<KiB>,t=<iters>,p=<lanes>$<salt>$<key>.
type phc struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (p phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.iterations, p.parallelism,
		base64.RawStdEncoding.EncodeToString(p.salt),
		base64.RawStdEncoding.EncodeToString(p.key))
}

func parsePHC(encoded string) (phc, error) {
	var p phc
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, errors.New("not an argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, errors.New("unsupported argon2 version")
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return p, errors.Wrap(err, "parse argon2 params")
	}
	if p.memory > 2*1024*1024 || p.iterations == 0 || p.iterations > 1000 || p.parallelism == 0 || p.parallelism > 128 {
		return p, errors.New("argon2 params out of range")
	}
	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) == 0 {
		return p, errors.New("bad salt")
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 || len(p.key) > 256 {
		return p, errors.New("bad key")
	}
	return p, nil
}

func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	p := phc{
		memory:      h.memory,
		iterations:  h.iterations,
		parallelism: h.parallelism,
		salt:        make([]byte, 16),
	}
	if _, err := rand.Read(p.salt); err != nil {
		return "", errors.Wrap(err, "read salt")
	}
	p.key = argon2.IDKey(peppered, p.salt, p.iterations, p.memory, p.parallelism, h.keyLength)
	return p.String(), nil
}

// Verify reports whether pwd matches encoded. Malformed hashes and
// oversized passwords still run a full derivation before returning false.
func (h *Hasher) Verify(pwd, encoded string) (bool, error) {
	start := time.Now()
	var ok bool
	if len(pwd) > maxPasswordLength {
		h.compare(strings.Repeat("x", 16), h.decoy())
	} else if p, err := parsePHC(encoded); err != nil {
		h.compare(pwd, h.decoy())
	} else {
		ok = h.compare(pwd, p)
	}
	if elapsed := time.Since(start); elapsed < h.minVerify {
		time.Sleep(h.minVerify - elapsed)
	}
	return ok, nil
}

// decoy has the hasher's own cost so failed lookups cost the same as real
// ones.
func (h *Hasher) decoy() phc {
	return phc{
		memory:      h.memory,
		iterations:  h.iterations,
		parallelism: h.parallelism,
		salt:        make([]byte, 16),
		key:         make([]byte, h.keyLength),
	}
}

func (h *Hasher) compare(pwd string, p phc) bool {
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false
	}
	defer util.Wipe(peppered)
	got := argon2.IDKey(peppered, p.salt, p.iterations, p.memory, p.parallelism, uint32(len(p.key)))
	defer util.Wipe(got)
	return subtle.ConstantTimeCompare(got, p.key) == 1
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
