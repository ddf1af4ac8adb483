package cfg

import (
	"strings"
	"testing"
	"time"
)

func validCfg(t *testing.T) *Cfg {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("JWT_SECRET", "jwt-secret-that-is-at-least-32-bytes!")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return c
}

func TestLoadDefaults(t *testing.T) {
	c := validCfg(t)
	if c.Port != "3000" {
		t.Errorf("Port = %s, want 3000", c.Port)
	}
	if c.Clicks.FlushInterval != time.Hour {
		t.Errorf("FlushInterval = %v, want 1h", c.Clicks.FlushInterval)
	}
	if c.Clicks.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", c.Clicks.BatchSize)
	}
	if c.RateLimit.Requests != 100 || c.RateLimit.Window != 15*time.Minute {
		t.Errorf("unexpected rate limit %+v", c.RateLimit)
	}
	if c.BlobBackend != "fs" {
		t.Errorf("BlobBackend = %s, want fs", c.BlobBackend)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("Validate failed on defaults: %v", err)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("CLICK_FLUSH_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Cfg)
		wantErr string
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }, "PORT"},
		{"bad database url", func(c *Cfg) { c.DatabaseURL = NewSecret("mysql://x") }, "DATABASE_URL"},
		{"bad redis url", func(c *Cfg) { c.RedisURL = "localhost:6379" }, "REDIS_URL"},
		{"rediss without tls", func(c *Cfg) { c.RedisURL = "rediss://h:6379" }, "REDIS_TLS"},
		{"s3 without bucket", func(c *Cfg) { c.BlobBackend = "s3" }, "AWS_S3_BUCKET"},
		{"unknown blob backend", func(c *Cfg) { c.BlobBackend = "ftp" }, "BLOB_BACKEND"},
		{"short encryption key", func(c *Cfg) { c.EncryptionKey = NewSecret("short") }, "ENCRYPTION_KEY"},
		{"short jwt secret", func(c *Cfg) { c.JWTSecret = NewSecret("short") }, "JWT_SECRET"},
		{"batch too large", func(c *Cfg) { c.Clicks.BatchSize = 5000 }, "CLICK_FLUSH_BATCH"},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"not-an-ip"} }, "TRUSTED_PROXIES"},
		{"bad nats url", func(c *Cfg) { c.NatsURL = "http://nats" }, "NATS_URL"},
		{"production without metrics auth", func(c *Cfg) { c.Environment = "production"; c.RedisURL = "redis://r:6379" }, "METRICS_USER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCfg(t)
			tt.mutate(c)
			err := Validate(c)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSecretRedactsAndWipes(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() != "***REDACTED***" {
		t.Errorf("String() leaked secret: %s", s.String())
	}
	s.Wipe()
	if s.Value() != string(make([]byte, 7)) {
		t.Errorf("Wipe did not zero secret")
	}
}
