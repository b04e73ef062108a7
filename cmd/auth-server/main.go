package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/config"
	"roomchat/internal/db"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	// 1. Config & Flags
	cfg := config.Load()
	addr := flag.String("addr", cfg.AuthAddr, "http service address")
	flag.Parse()

	// 2. Credential store: Postgres when DB_DSN is set, memory otherwise
	var store auth.Store = auth.NewMemoryStore()
	if cfg.DBDSN != "" {
		database, err := db.NewDatabase(cfg.DBDSN)
		if err != nil {
			log.Fatalf("❌ Failed to connect to DB: %v", err)
		}
		defer database.Conn.Close()
		log.Println("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(); err != nil {
			log.Fatalf("❌ Migration failed: %v", err)
		}
		log.Println("✅ Database Schema Initialized")
		store = auth.NewPostgresStore(database.Conn)
	}

	// 3. Token Authority
	authority := auth.NewAuthority(store, auth.TokenConfig{
		Secret:        cfg.JWTSecret,
		Issuer:        cfg.JWTIssuer,
		TTL:           cfg.TokenTTL,
		EnforceExpiry: cfg.EnforceExpiry,
	})
	if err := authority.Seed(context.Background(), cfg.SeedUsers); err != nil {
		log.Fatalf("❌ Seeding users failed: %v", err)
	}
	log.Printf("✅ Seeded %d users", len(cfg.SeedUsers))

	// 4. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	auth.NewHandler(authority).Mount(r)

	srv := &http.Server{Addr: *addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("🚀 Auth server starting on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down auth server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("👋 Auth server stopped")
}
