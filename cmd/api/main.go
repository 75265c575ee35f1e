package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tessera.id/internal/auth"
	"tessera.id/internal/httpapi"
	"tessera.id/internal/obs"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("TESSERA_COMMIT"))

	var (
		db    *sql.DB
		ready httpapi.ReadyProbe
	)

	// Stores: PostgreSQL when a DSN is configured, in-memory otherwise.
	var (
		identity auth.IdentityStore
		tenants  auth.TenantDirectory
		grants   auth.AuthorizationStore
		sessions auth.SessionStore
	)
	if dsn := os.Getenv("TESSERA_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)

		pg := auth.NewPGStore(db)
		identity, tenants, grants, sessions = pg, pg, pg, pg
		ready = func(ctx context.Context) error { return db.PingContext(ctx) }
	} else {
		mem := auth.NewMemoryStore()
		mem.AddTenant(auth.Tenant{ID: "default", Name: "Default Tenant", Status: auth.TenantStatusActive})
		mem.AddGrant(auth.RoleGrant{TenantID: "default", Role: "admin", Resource: "sessions", Action: "purge"})
		identity, tenants, grants, sessions = mem, mem, mem, mem
		log.Println("TESSERA_PG_DSN not set, using in-memory stores")
	}

	keys := auth.NewKeyring()
	if secret := os.Getenv("TESSERA_SIGNING_SECRET"); secret != "" {
		if _, err := keys.Rotate([]byte(secret)); err != nil {
			log.Fatalf("install signing secret: %v", err)
		}
	} else {
		if _, err := keys.Rotate(nil); err != nil {
			log.Fatalf("generate signing secret: %v", err)
		}
		log.Println("TESSERA_SIGNING_SECRET not set, tokens will not survive a restart")
	}

	policies, err := auth.NewPolicyResolver(tenants)
	if err != nil {
		log.Fatalf("policy resolver: %v", err)
	}
	perms, err := auth.NewPermissionResolver(grants)
	if err != nil {
		log.Fatalf("permission resolver: %v", err)
	}

	var opts []auth.AuthorityOption
	if ttl := os.Getenv("TESSERA_ACCESS_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			log.Fatalf("parse TESSERA_ACCESS_TTL: %v", err)
		}
		opts = append(opts, auth.WithAccessTTL(d))
	}
	if rotate := os.Getenv("TESSERA_ROTATE_REFRESH"); rotate != "" {
		enabled, err := strconv.ParseBool(rotate)
		if err != nil {
			log.Fatalf("parse TESSERA_ROTATE_REFRESH: %v", err)
		}
		opts = append(opts, auth.WithRefreshRotation(enabled))
	}

	authority, err := auth.NewAuthority(
		auth.NewHasher(auth.DefaultHashCost),
		auth.NewCodec(keys),
		policies,
		perms,
		identity,
		sessions,
		opts...,
	)
	if err != nil {
		log.Fatalf("authority: %v", err)
	}

	api := httpapi.New(authority, policies,
		httpapi.WithVersion(version),
		httpapi.WithReadyProbe(ready),
	)

	addr := os.Getenv("TESSERA_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stopGC := context.WithCancel(context.Background())
	go sessionGC(rootCtx, authority)

	log.Printf("Starting tessera-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopGC()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// sessionGC drops expired session rows once an hour.
func sessionGC(ctx context.Context, authority *auth.Authority) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := authority.PurgeExpiredSessions(ctx)
			if err != nil {
				log.Printf("session gc: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("session gc: purged %d expired sessions", n)
			}
		}
	}
}
