package db

import (
	"context"
	"fmt"
	"path/filepath"
	"psst/pkg/domain"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePaste(id string) *domain.Paste {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	return &domain.Paste{
		ID:          id,
		Title:       "notes",
		ContentKey:  "pastes/" + id,
		OwnerID:     "owner-1",
		Tags:        []string{"go", "db"},
		Visibility:  domain.VisibilityPrivate,
		ExpiresAt:   &exp,
		IsSecured:   true,
		Password:    "p4ss",
		Checksum:    "3610a686",
		ContentSize: 42,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLiteInsertFind(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	want := samplePaste("abcDEF1234")
	if err := s.Insert(ctx, want); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := s.FindByID(ctx, want.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Title != want.Title || got.ContentKey != want.ContentKey || got.OwnerID != want.OwnerID {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "go" || got.Tags[1] != "db" {
		t.Errorf("tags = %v, want [go db]", got.Tags)
	}
	if got.Visibility != domain.VisibilityPrivate || !got.IsSecured {
		t.Errorf("visibility/secured not preserved: %+v", got)
	}
	if got.Password != "p4ss" || got.Checksum != "3610a686" {
		t.Errorf("secured fields not preserved: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*want.ExpiresAt) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestSQLiteInsertNoExpiry(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	p := samplePaste("noexp00000")
	p.ExpiresAt = nil
	p.IsSecured = false
	p.Password = ""
	p.Checksum = ""
	p.Tags = nil
	if err := s.Insert(ctx, p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := s.FindByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.ExpiresAt != nil {
		t.Errorf("expires_at = %v, want nil", got.ExpiresAt)
	}
	if got.Password != "" || got.Checksum != "" {
		t.Errorf("unsecured paste has secured fields: %+v", got)
	}
	if len(got.Tags) != 0 {
		t.Errorf("tags = %v, want empty", got.Tags)
	}
}

func TestSQLiteDuplicateID(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	if err := s.Insert(ctx, samplePaste("dup0000000")); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}
	err := s.Insert(ctx, samplePaste("dup0000000"))
	if !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestSQLiteNotFound(t *testing.T) {
	s := newTestSQLite(t)
	if _, err := s.FindByID(context.Background(), "missing000"); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Fatalf("err = %v, want ErrPasteNotFound", err)
	}
}

func TestSQLiteApplyClicks(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	for _, id := range []string{"clicks0001", "clicks0002"} {
		if err := s.Insert(ctx, samplePaste(id)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	deltas := map[string]int64{"clicks0001": 3, "clicks0002": 1, "ghost00000": 9}
	if err := s.ApplyClicks(ctx, deltas); err != nil {
		t.Fatalf("ApplyClicks failed: %v", err)
	}
	if err := s.ApplyClicks(ctx, map[string]int64{"clicks0001": 2}); err != nil {
		t.Fatalf("ApplyClicks failed: %v", err)
	}
	for id, want := range map[string]int64{"clicks0001": 5, "clicks0002": 1} {
		p, err := s.FindByID(ctx, id)
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if p.ClickCount != want {
			t.Errorf("%s click_count = %d, want %d", id, p.ClickCount, want)
		}
	}
}

func TestSQLiteEachID(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	want := []string{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("each%06d", i)
		want = append(want, id)
		if err := s.Insert(ctx, samplePaste(id)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	var got []string
	if err := s.EachID(ctx, func(id string) error {
		got = append(got, id)
		return nil
	}); err != nil {
		t.Fatalf("EachID failed: %v", err)
	}
	sort.Strings(got)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ids = %v, want %v", got, want)
	}

	stop := errors.New("stop")
	n := 0
	err := s.EachID(ctx, func(string) error {
		n++
		return stop
	})
	if err != stop || n != 1 {
		t.Errorf("callback error not propagated: err=%v n=%d", err, n)
	}
}

func TestSQLiteUsers(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	u := &domain.User{ID: "u-1", Username: "alice", PasswordHash: "$argon2id$...", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := s.CreateUser(ctx, &domain.User{ID: "u-2", Username: "alice", PasswordHash: "x", CreatedAt: time.Now()}); !errors.Is(err, domain.ErrUsernameTaken) {
		t.Errorf("err = %v, want ErrUsernameTaken", err)
	}
	got, err := s.FindUserByName(ctx, "alice")
	if err != nil {
		t.Fatalf("FindUserByName failed: %v", err)
	}
	if got.ID != "u-1" || got.PasswordHash != u.PasswordHash {
		t.Errorf("got %+v", got)
	}
	if _, err := s.FindUserByName(ctx, "bob"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}

func TestSQLiteCircuitBreaker(t *testing.T) {
	s := newTestSQLite(t)
	for i := 0; i < maxFailures; i++ {
		s.recordError(errors.New("disk I/O error"))
	}
	if err := s.checkCircuit(); err != ErrCircuitOpen {
		t.Fatalf("circuit err = %v, want ErrCircuitOpen", err)
	}
	if _, err := s.FindByID(context.Background(), "x"); err != ErrCircuitOpen {
		t.Errorf("FindByID err = %v, want ErrCircuitOpen", err)
	}
	s.recordError(nil)
	if err := s.checkCircuit(); err != nil {
		t.Errorf("circuit should close after success, got %v", err)
	}
}

func TestSQLitePing(t *testing.T) {
	s := newTestSQLite(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	for i := 0; i < maxFailures; i++ {
		s.recordError(errors.New("disk I/O error"))
	}
	if err := s.Ping(context.Background()); err != ErrCircuitOpen {
		t.Errorf("Ping with open circuit = %v, want ErrCircuitOpen", err)
	}
}

func TestSQLiteCheckpoint(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "psst.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := s.Insert(ctx, samplePaste(fmt.Sprintf("wal%05d", i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	st, err := s.Checkpoint(ctx, "TRUNCATE")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if st.Busy {
		t.Errorf("checkpoint busy with no readers: %+v", st)
	}
	if _, err := s.Checkpoint(ctx, "NOW; DROP TABLE pastes"); err == nil {
		t.Error("expected unknown mode to be rejected")
	}
	if err := s.QuickCheck(ctx); err != nil {
		t.Errorf("quick_check: %v", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.StartWALMaintenance(wctx, 10*time.Millisecond)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
