package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"os"
	"os/signal"
	"psst/cfg"
	"psst/pkg/secrets"
	"psst/svc/api"
	"psst/svc/auth"
	"psst/svc/blob"
	"psst/svc/cache"
	"psst/svc/clicks"
	"psst/svc/crypt"
	"psst/svc/db"
	"psst/svc/events"
	"psst/svc/idgen"
	"psst/svc/lim"
	"psst/svc/svc"
	"psst/svc/util"
	"syscall"
	"time"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthProbe())
	}

	util.InitLog("info", false)
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting psst")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	encKey, jwtSecret := []byte(c.EncryptionKey.Value()), []byte(c.JWTSecret.Value())
	var pepper []byte
	if c.KeyFromSecrets {
		encKey, jwtSecret, pepper = loadSecrets(ctx)
	}
	if len(pepper) < 32 {
		pepper = derivePepper(jwtSecret)
	}

	store, checks, stopWAL := openStore(ctx, c)
	defer store.Close()

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.IsProduction() {
				util.Fatal().Err(err).Msg("redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, running with local cache and click buffer")
		} else {
			defer rdb.Close()
			checks["redis"] = api.Check{Pinger: rdb, Required: c.IsProduction()}
			util.Info().Str("url", util.RedactURL(c.RedisURL)).Msg("redis connected")
		}
	}

	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
	}
	var snapshots *cache.Tiered
	var buf clicks.Buffer
	var window lim.Window
	if rdb != nil {
		snapshots = cache.NewTiered(lru, rdb)
		buf = rdb
		window = rdb
	} else {
		snapshots = cache.NewTiered(lru, nil)
		buf = clicks.NewMemoryBuffer()
	}

	blobs, fsBlobs := openBlobs(ctx, c, jwtSecret)

	engine, err := crypt.New(encKey)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to derive encryption key")
	}
	defer engine.Wipe()
	util.Wipe(encKey)

	ids := idgen.New()
	bootCtx, bootCancel := context.WithTimeout(ctx, c.BootstrapTimeout)
	start := time.Now()
	n, err := ids.Load(bootCtx, store)
	bootCancel()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load id membership set")
	}
	util.Info().Int("ids", n).Dur("took", time.Since(start)).Msg("id membership set loaded")

	agg := clicks.New(buf, store, clicks.Config{
		BatchSize: c.Clicks.BatchSize,
		Workers:   c.Clicks.Workers,
		QueueSize: c.Clicks.QueueSize,
	})
	agg.Start(ctx, c.Clicks.FlushInterval)

	var publisher events.Publisher = events.Noop{}
	if c.NatsURL != "" {
		nc, err := events.NewNATS(c.NatsURL)
		if err != nil {
			util.Warn().Err(err).Msg("nats unavailable, paste events disabled")
		} else {
			publisher = nc
			checks["nats"] = api.Check{Pinger: nc}
			util.Info().Str("url", util.RedactURL(c.NatsURL)).Msg("nats connected")
		}
	}
	defer publisher.Close()

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	util.Wipe(pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
	}
	defer hasher.Stop()
	tokens, err := auth.NewTokens(jwtSecret, c.JWTTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize tokens")
	}
	util.Wipe(jwtSecret)
	accounts := auth.NewAccounts(store, hasher, tokens)

	limiter, err := lim.New(lim.Config{
		Requests:       c.RateLimit.Requests,
		Window:         c.RateLimit.Window,
		TrustedProxies: c.TrustedProxies,
	}, window)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
	}
	limiter.Start()
	defer limiter.Stop()

	pastes := svc.NewPaste(svc.Deps{
		Meta:   store,
		Blobs:  blobs,
		Cache:  snapshots,
		Clicks: agg,
		IDs:    ids,
		Crypt:  engine,
		Events: publisher,
	}, c.MaxConcurrentWrite)

	deps := api.Deps{
		Paste:    pastes,
		Accounts: accounts,
		Tokens:   tokens,
		Limiter:  limiter,
		IDs:      ids,
		Checks:   checks,
	}
	if fsBlobs != nil {
		deps.Blobs = fsBlobs
	}
	server := api.NewServer(c, deps)

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pastes.Shutdown()
	if err := agg.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("click aggregator shutdown error")
	}
	cancel()
	stopWAL()
	util.Info().Msg("shutdown complete")
}

// openStore picks Postgres when DATABASE_URL is set and SQLite otherwise.
// The returned stop func waits for background store maintenance to end.
func openStore(ctx context.Context, c *cfg.Cfg) (db.Store, map[string]api.Check, func()) {
	checks := map[string]api.Check{}
	if dsn := c.DatabaseURL.Value(); dsn != "" {
		if err := db.Migrate(dsn); err != nil {
			util.Fatal().Err(err).Msg("database migration failed")
		}
		pg, err := db.NewPostgres(ctx, dsn, c.DBMaxOpenConns, c.DBQueryTimeout)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		checks["database"] = api.Check{Pinger: pg, Required: true}
		util.Info().Str("url", util.RedactURL(dsn)).Msg("postgres connected")
		return pg, checks, func() {}
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
	}
	checks["database"] = api.Check{Pinger: sqlDB, Required: true}
	util.Info().Str("path", c.DatabasePath).Msg("sqlite initialized")

	walCtx, walCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sqlDB.StartWALMaintenance(walCtx, 5*time.Minute)
	}()
	return sqlDB, checks, func() {
		walCancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			util.Warn().Msg("WAL maintenance did not stop in time")
		}
	}
}

// openBlobs returns the configured blob store. The second value is set for
// the filesystem backend, whose presigned URLs this process serves itself.
func openBlobs(ctx context.Context, c *cfg.Cfg, jwtSecret []byte) (blob.Store, *blob.FS) {
	if c.BlobBackend == "s3" {
		s3, err := blob.NewS3(ctx, c.AWSRegion, c.S3Bucket, c.S3PresignTTL)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize s3 blob store")
		}
		util.Info().Str("bucket", c.S3Bucket).Msg("s3 blob store initialized")
		return s3, nil
	}
	signKey := []byte(c.BlobSigningKey.Value())
	if len(signKey) == 0 {
		signKey = deriveKey(jwtSecret, "psst.blob.signing")
	}
	fs, err := blob.NewFS(c.BlobDir, c.PublicURL, signKey, c.S3PresignTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize filesystem blob store")
	}
	util.Info().Str("dir", c.BlobDir).Msg("filesystem blob store initialized")
	return fs, fs
}

// loadSecrets reads the encryption passphrase, the JWT secret and the
// optional argon2 pepper from the configured secrets backend.
func loadSecrets(ctx context.Context) (encKey, jwtSecret, pepper []byte) {
	res, err := secrets.FromEnv(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secrets backend")
	}
	get := func(key string, min int) []byte {
		v, err := res.GetSecret(ctx, key)
		if err != nil {
			util.Fatal().Err(err).Str("key", key).Msg("failed to load secret")
		}
		if len(v) < min {
			util.Fatal().Str("key", key).Int("min", min).Msg("secret too short")
		}
		return []byte(v)
	}
	encKey = get("ENCRYPTION_KEY", 16)
	jwtSecret = get("JWT_SECRET", 32)
	if v, err := res.GetSecret(ctx, "ARGON2_PEPPER"); err == nil {
		pepper = []byte(v)
	}
	util.Info().Str("backend", res.Primary()).Msg("secrets loaded")
	return encKey, jwtSecret, pepper
}

func derivePepper(jwtSecret []byte) []byte {
	return deriveKey(jwtSecret, "psst.account.pepper")
}

func deriveKey(secret []byte, label string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

func healthProbe() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
