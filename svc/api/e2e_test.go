package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"psst/cfg"
	"psst/pkg/domain"
	"psst/svc/api"
	"psst/svc/auth"
	"psst/svc/blob"
	"psst/svc/cache"
	"psst/svc/clicks"
	"psst/svc/crypt"
	"psst/svc/db"
	"psst/svc/idgen"
	"psst/svc/lim"
	"psst/svc/svc"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type stack struct {
	ts     *httptest.Server
	store  *db.SQLite
	rdb    *db.Redis
	mr     *miniredis.Miniredis
	agg    *clicks.Aggregator
	client *http.Client
}

func newStack(t *testing.T) *stack {
	t.Helper()
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	c := &cfg.Cfg{
		Port:           "0",
		ContextTimeout: 10 * time.Second,
		RedisTimeout:   time.Second,
		PublicURL:      ts.URL,
	}
	store, err := db.NewSQLiteWithConfig(":memory:", 1, 1, 5*time.Second)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	mr := miniredis.RunT(t)
	rdb, err := db.NewRedis("redis://"+mr.Addr(), c)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	lru, _ := cache.NewLRU(1000)
	fs, err := blob.NewFS(t.TempDir(), ts.URL, []byte("blob-signing-key"), time.Minute)
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	engine, err := crypt.NewWithKey(bytes.Repeat([]byte{7}, crypt.KeySize))
	if err != nil {
		t.Fatalf("crypt: %v", err)
	}
	ids := idgen.NewWithEstimates(10000, 0.01)
	if _, err := ids.Load(context.Background(), store); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	agg := clicks.New(rdb, store, clicks.Config{BatchSize: 100, Workers: 2, QueueSize: 1000})
	t.Cleanup(func() { agg.Shutdown(context.Background()) })

	hasher, err := auth.NewHasher(1, 8*1024, 1, bytes.Repeat([]byte("p"), 32))
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	hasher.Start(2)
	t.Cleanup(hasher.Stop)
	tokens, _ := auth.NewTokens(bytes.Repeat([]byte("j"), 32), time.Hour)
	limiter, _ := lim.New(lim.Config{Requests: 10000, Window: time.Minute}, rdb)

	pastes := svc.NewPaste(svc.Deps{
		Meta:   store,
		Blobs:  fs,
		Cache:  cache.NewTiered(lru, rdb),
		Clicks: agg,
		IDs:    ids,
		Crypt:  engine,
	}, 0)
	handler = api.NewServer(c, api.Deps{
		Paste:    pastes,
		Accounts: auth.NewAccounts(store, hasher, tokens),
		Tokens:   tokens,
		Limiter:  limiter,
		IDs:      ids,
		Checks: map[string]api.Check{
			"database": {Pinger: store, Required: true},
			"redis":    {Pinger: rdb},
		},
		Blobs: fs,
	})
	return &stack{
		ts:    ts,
		store: store,
		rdb:   rdb,
		mr:    mr,
		agg:   agg,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *stack) call(t *testing.T, method, path, token string, body interface{}, headers ...string) (int, []byte, http.Header) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, s.ts.URL+path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Errorf("%s %s: %v", method, path, err)
		return 0, nil, http.Header{}
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, resp.Header
}

func (s *stack) register(t *testing.T, name string) string {
	t.Helper()
	code, body, _ := s.call(t, "POST", "/users/register", "", map[string]string{"username": name, "password": "long-password"})
	if code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, code, body)
	}
	var tok api.TokenResp
	json.Unmarshal(body, &tok)
	return tok.Token
}

func (s *stack) create(t *testing.T, token string, req api.CreateReq) string {
	t.Helper()
	code, body, _ := s.call(t, "POST", "/pastes", token, req)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, body)
	}
	var resp api.CreateResp
	json.Unmarshal(body, &resp)
	return resp.PasteID
}

func errCode(body []byte) string {
	var resp domain.ErrResp
	json.Unmarshal(body, &resp)
	return resp.Code
}

func TestEndToEndPlainPaste(t *testing.T) {
	s := newStack(t)
	token := s.register(t, "alice")
	id := s.create(t, token, api.CreateReq{Title: "greeting", Content: "hello", Tags: "a, b", Visibility: "PUBLIC"})

	for i := 0; i < 3; i++ {
		code, body, _ := s.call(t, "GET", "/pastes/"+id, "", nil)
		if code != http.StatusOK {
			t.Fatalf("read %d: %d %s", i, code, body)
		}
		var snap domain.Snapshot
		json.Unmarshal(body, &snap)
		if snap.Content != "hello" || snap.Title != "greeting" || len(snap.Tags) != 2 {
			t.Fatalf("snapshot = %+v", snap)
		}
	}

	code, _, hdr := s.call(t, "GET", "/pastes/"+id+"/raw", "", nil)
	if code != http.StatusFound {
		t.Fatalf("raw status = %d", code)
	}
	loc := strings.TrimPrefix(hdr.Get("Location"), s.ts.URL)
	code, body, _ := s.call(t, "GET", loc, "", nil)
	if code != http.StatusOK || string(body) != "hello" {
		t.Fatalf("presigned read = %d %q", code, body)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, _ := s.rdb.PendingCount(context.Background(), id)
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending clicks = %d, want 4", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := s.agg.FlushOnce(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	p, err := s.store.FindByID(context.Background(), id)
	if err != nil || p.ClickCount != 4 {
		t.Fatalf("persisted clicks = %v, %v", p, err)
	}
	if n, _ := s.rdb.PendingCount(context.Background(), id); n != 0 {
		t.Errorf("pending after flush = %d", n)
	}
}

func TestEndToEndSecuredPaste(t *testing.T) {
	s := newStack(t)
	token := s.register(t, "alice")
	id := s.create(t, token, api.CreateReq{Title: "s", Content: "secret", Visibility: "PUBLIC", IsSecured: true, Password: "p4ss"})

	if code, body, _ := s.call(t, "GET", "/pastes/"+id, "", nil); code != 401 || errCode(body) != "PASSWORD_REQUIRED" {
		t.Errorf("no password: %d %s", code, body)
	}
	if code, body, _ := s.call(t, "GET", "/pastes/"+id, "", nil, "X-Paste-Password", "nope"); code != 401 || errCode(body) != "INVALID_PASSWORD" {
		t.Errorf("wrong password: %d %s", code, body)
	}
	code, body, _ := s.call(t, "GET", "/pastes/"+id+"?password=p4ss", "", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"content":"secret"`) {
		t.Fatalf("right password: %d %s", code, body)
	}
	if strings.Contains(string(body), "p4ss") {
		t.Error("password leaked into the response")
	}
	if code, body, _ := s.call(t, "GET", "/pastes/"+id+"/raw", "", nil); code != 400 || errCode(body) != "SECURED_PASTE" {
		t.Errorf("secured raw: %d %s", code, body)
	}
}

func TestEndToEndPrivatePaste(t *testing.T) {
	s := newStack(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	id := s.create(t, alice, api.CreateReq{Title: "mine", Content: "diary", Visibility: "PRIVATE"})
	if code, _, _ := s.call(t, "GET", "/pastes/"+id, "", nil); code != http.StatusForbidden {
		t.Errorf("anonymous read = %d", code)
	}
	if code, _, _ := s.call(t, "GET", "/pastes/"+id, bob, nil); code != http.StatusForbidden {
		t.Errorf("other user read = %d", code)
	}
	if code, _, _ := s.call(t, "GET", "/pastes/"+id, alice, nil); code != http.StatusOK {
		t.Errorf("owner read = %d", code)
	}
}

func TestEndToEndHostileInput(t *testing.T) {
	s := newStack(t)
	for _, path := range []string{"/pastes/'%20OR%201=1--", "/pastes/..%2F..%2Fetc%2Fpasswd", "/pastes/" + strings.Repeat("a", 500)} {
		if code, _, _ := s.call(t, "GET", path, "", nil); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
	if code, _, _ := s.call(t, "POST", "/users/register", "", map[string]string{"username": "x'; DROP TABLE users;--", "password": "long-password"}); code != http.StatusBadRequest {
		t.Errorf("hostile username = %d", code)
	}
	if code, _, _ := s.call(t, "GET", "/blobs/pastes/abc?expires=99999999999&sig=00", "", nil); code != http.StatusForbidden {
		t.Errorf("unsigned blob read = %d", code)
	}
	token := s.register(t, "alice")
	content := "<script>alert(1)</script>'; DROP TABLE pastes;--"
	id := s.create(t, token, api.CreateReq{Title: "x", Content: content, Visibility: "PUBLIC"})
	_, body, hdr := s.call(t, "GET", "/pastes/"+id, "", nil)
	var snap domain.Snapshot
	json.Unmarshal(body, &snap)
	if snap.Content != content {
		t.Errorf("content altered: %q", snap.Content)
	}
	if hdr.Get("Content-Type") != "application/json" || hdr.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers = %v", hdr)
	}
}

func TestEndToEndConcurrentCreates(t *testing.T) {
	s := newStack(t)
	token := s.register(t, "alice")
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]bool{}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, body, _ := s.call(t, "POST", "/pastes", token, api.CreateReq{Title: "c", Content: "body", Visibility: "PUBLIC"})
			if code != http.StatusCreated {
				t.Errorf("create: %d %s", code, body)
				return
			}
			var resp api.CreateResp
			json.Unmarshal(body, &resp)
			id := resp.PasteID
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate id %s", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
	n := 0
	s.store.EachID(context.Background(), func(string) error { n++; return nil })
	if n != 40 {
		t.Errorf("stored %d pastes, want 40", n)
	}
}

func TestEndToEndRedisOutage(t *testing.T) {
	s := newStack(t)
	token := s.register(t, "alice")
	id := s.create(t, token, api.CreateReq{Title: "t", Content: "survives", Visibility: "PUBLIC"})
	if code, _, _ := s.call(t, "GET", "/pastes/"+id, "", nil); code != http.StatusOK {
		t.Fatalf("warm read = %d", code)
	}
	s.mr.Close()
	code, body, _ := s.call(t, "GET", "/pastes/"+id, "", nil)
	if code != http.StatusOK || !strings.Contains(string(body), "survives") {
		t.Errorf("read during outage = %d %s", code, body)
	}
	code, body, _ = s.call(t, "GET", "/ready", "", nil)
	var ready api.ReadyResponse
	json.Unmarshal(body, &ready)
	if code != http.StatusOK || !ready.Degraded || ready.Dependencies["redis"] != "down" {
		t.Errorf("ready during outage = %d %+v", code, ready)
	}
}
