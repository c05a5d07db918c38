package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"paperwurks.org/internal/config"
	"paperwurks.org/internal/httpapi"
	"paperwurks.org/internal/identity"
	"paperwurks.org/internal/mail"
	"paperwurks.org/internal/obs"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if db == nil {
		log.Fatal("IDENTITY_PG_DSN is required")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	codec, err := identity.NewTokenCodec(cfg.JWTSecret, cfg.JWTIssuer,
		identity.WithAccessTTL(cfg.AccessTTL),
		identity.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	store := identity.NewPGStore(db)
	authService := identity.NewService(store, codec, mail.LogDispatcher{},
		identity.WithBlacklist(identity.NewBlacklist(redisClient)),
		identity.WithLoginLimiter(identity.NewRateLimiter(redisClient, "login", cfg.LoginRateLimit, cfg.LoginRateWindow)),
		identity.WithResendLimiter(identity.NewRateLimiter(redisClient, "resend", cfg.ResendRateLimit, cfg.ResendRateWindow)),
	)
	entityService := identity.NewEntityService(store)

	probe := httpapi.ReadyProbe{
		DB: db,
		Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}
	api := httpapi.New(authService, entityService, probe, version)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting paperwurks-identity %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = redisClient.Close()
	_ = db.Close()
	log.Println("Stopped")
}
