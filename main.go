package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crest-api/api"
	"crest-api/rooms"
	"crest-api/storage"
)

func main() {
	debug := false
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		debug = true
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	if connStr == "" || tasksTableName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tasksTableName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))

	cache := storage.NewCache(store, rc, envDur("TASKS_CACHE_TTL", 30*time.Second))
	deduper := rooms.NewRedisDeduper(rc, envDur("NOTIFY_DEDUPE_TTL", 5*time.Second))
	relay := rooms.NewRedisRelay(rc, os.Getenv("ROOMS_CHANNEL"))

	logger := log.New()
	if debug {
		logger.SetLevel(log.DebugLevel)
	}

	liveness := envDur("ROOM_LIVENESS", 45*time.Second)
	hub := rooms.NewHub(logger,
		rooms.WithRelay(relay),
		rooms.WithDeduper(deduper),
		rooms.WithLiveness(liveness),
		rooms.WithBroadcastPool(
			envInt("BROADCAST_WORKERS", 16),
			envInt("BROADCAST_BUFFER", 2048),
			envDur("BROADCAST_TIMEOUT", 10*time.Second),
			envDur("BROADCAST_HANDOFF_TIMEOUT", 15*time.Millisecond),
		),
	)
	defer hub.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx, hub, logger)
	go func() {
		ticker := time.NewTicker(liveness / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hub.Reap(ctx)
			}
		}
	}()

	auth := newAuth()

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.GzipRequestMiddleware())
	if debug {
		pprof.Register(e)
	}

	api.Register(e, hub, cache, auth, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func newAuth() *api.Auth {
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		return api.NewAuth(nil, "", "")
	}
	jwtAudience := os.Getenv("JWT_AUDIENCE")
	domain := os.Getenv("JWT_DOMAIN")
	if jwtAudience == "" || domain == "" {
		log.Fatal("missing auth config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
}

// redisOptions parses either a redis URL or the comma separated
// host,password=...,ssl=true form used by managed caches.
func redisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: %q", name, raw)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, raw)
	}
	return d
}
