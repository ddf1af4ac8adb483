package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"psst/cfg"
	"psst/pkg/domain"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	snapshotPrefix = "paste:snapshot:"
	ClicksKey      = "paste:clicks"
)

type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := redisTLS(c)
		if err != nil {
			return nil, errors.Wrap(err, "redis tls")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Redis{
		client:  client,
		timeout: timeout,
	}, nil
}

// redisTLS trusts the system roots plus RedisCACert when set. The dev CA is
// only honoured outside production.
func redisTLS(c *cfg.Cfg) (*tls.Config, error) {
	if c.RedisServerName == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, errors.Wrap(err, "load system cert pool")
	}
	cas := []string{c.RedisCACert}
	if !c.IsProduction() {
		cas = append(cas, c.RedisDevCA)
	}
	for _, path := range cas {
		if path == "" {
			continue
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read redis CA %s", path)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", path)
		}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.RedisServerName,
		RootCAs:    pool,
	}, nil
}

// GetSnapshot returns nil, nil on a miss.
func (r *Redis) GetSnapshot(ctx context.Context, id string) (*domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, snapshotPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get snapshot")
	}
	var s domain.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return &s, nil
}

// PutSnapshot stores s without expiry. Pastes are immutable, so a snapshot
// never goes stale; eviction is left to the server's maxmemory policy.
func (r *Redis) PutSnapshot(ctx context.Context, s *domain.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	return errors.Wrap(r.client.Set(ctx, snapshotPrefix+s.ID, data, 0).Err(), "set snapshot")
}

// IncrClick adds one pending click for id.
func (r *Redis) IncrClick(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.ZIncrBy(ctx, ClicksKey, 1, id).Err(), "zincrby")
}

// PendingIDs lists up to limit ids whose pending score is positive.
func (r *Redis) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ids, err := r.client.ZRangeByScore(ctx, ClicksKey, &redis.ZRangeBy{
		Min:   "(0",
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrangebyscore")
	}
	return ids, nil
}

// PendingCount reads the pending score of id. A missing member is zero.
func (r *Redis) PendingCount(ctx context.Context, id string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	score, err := r.client.ZScore(ctx, ClicksKey, id).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "zscore")
	}
	return int64(score), nil
}

// SubtractClicks removes exactly the flushed deltas and prunes members at or
// below zero in one MULTI.
func (r *Redis) SubtractClicks(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, d := range deltas {
			pipe.ZIncrBy(ctx, ClicksKey, -float64(d), id)
		}
		pipe.ZRemRangeByScore(ctx, ClicksKey, "-inf", "0")
		return nil
	})
	return errors.Wrap(err, "subtract clicks")
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return {current + 1, redis.call("PTTL", KEYS[1])}
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {new_val, redis.call("PTTL", KEYS[1])}
`)

// RateLimit counts one hit against key in a fixed window and returns the
// usage including this hit and the time left in the window. Refused hits are
// not stored, so the counter never grows past limit.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, r.client, []string{key}, strconv.FormatInt(window.Milliseconds(), 10), limit).Int64Slice()
	if err != nil {
		return 0, 0, errors.Wrap(err, "rate limit lua")
	}
	if len(res) != 2 {
		return 0, 0, errors.New("rate limit lua: unexpected reply")
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return int(res[0]), ttl, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Ping(ctx).Err(), "ping redis")
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
