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
	"roomchat/internal/chat"
	"roomchat/internal/client"
	"roomchat/internal/config"
	myMiddleware "roomchat/internal/middleware"
	"roomchat/internal/room"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Config & Flags
	cfg := config.Load()
	addr := flag.String("addr", cfg.ChatAddr, "http service address")
	flag.Parse()

	// 2. Token verification: locally with the shared secret, or remotely
	// through the auth server
	var verifier myMiddleware.TokenVerifier
	switch cfg.AuthVerify {
	case "remote":
		verifier = client.NewAuthClient(cfg.AuthURL, nil)
		log.Printf("✅ Verifying tokens via %s", cfg.AuthURL)
	case "local", "":
		verifier = auth.NewVerifier(auth.TokenConfig{
			Secret:        cfg.JWTSecret,
			Issuer:        cfg.JWTIssuer,
			TTL:           cfg.TokenTTL,
			EnforceExpiry: cfg.EnforceExpiry,
		})
	default:
		log.Fatalf("❌ Unknown AUTH_VERIFY mode %q", cfg.AuthVerify)
	}

	// 3. Optional Redis mirror of every fanned-out event
	var sink chat.EventSink
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("✅ Connected to Redis")
		sink = chat.NewRedisSink(redisClient)
	}

	// 4. Room directory and hub
	dir := room.NewDirectory()
	for _, name := range cfg.SeedRooms {
		if _, err := dir.Create(name); err != nil {
			log.Printf("seed room %q: %v", name, err)
		}
	}
	hub := chat.NewHub(dir, cfg.SendBuffer, sink)

	rooms := room.NewHandler(dir)
	chatHandler := chat.NewHandler(hub)
	authMiddleware := myMiddleware.NewAuthMiddleware(verifier)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	// Every chat-server call requires a token
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.With(myMiddleware.RequireRole(cfg.RoomCreateRole)).Post("/rooms", rooms.CreateRoom)
		r.Get("/rooms", rooms.ListRooms)
		r.Get("/chat", chatHandler.ServeWs)
	})

	srv := &http.Server{Addr: *addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("🚀 Chat server starting on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down chat server...")

	// Hijacked WebSocket connections are not tracked by http.Server, so the
	// hub closes them first.
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("👋 Chat server stopped")
}
