package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/chat"
	"roomchat/internal/client"
	myMiddleware "roomchat/internal/middleware"
	"roomchat/internal/room"
)

var (
	authURL   = flag.String("auth", "http://localhost:9091", "auth server base URL")
	chatURL   = flag.String("chat", "http://localhost:9092", "chat server base URL")
	roomName  = flag.String("room", "loadtest", "room every user joins")
	userCount = flag.Int("users", 100, "concurrent users") // ⚠️ start small, every user holds a WebSocket
	msgCount  = flag.Int("msgs", 20, "messages per user")
	settle    = flag.Duration("settle", 2*time.Second, "time to wait for in-flight events after sending")
)

var received atomic.Int64

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each in room %q...", *userCount, *msgCount, *roomName)

	ctx := context.Background()
	authClient := client.NewAuthClient(*authURL, nil)

	// The first user makes sure the room exists
	token, err := login(ctx, authClient, "lt_0")
	if err != nil {
		log.Fatalf("❌ Login Failed [lt_0]: %v", err)
	}
	creds := &myMiddleware.Credentials{}
	creds.Set(token)
	if _, err := client.NewChatClient(*chatURL, creds).CreateRoom(ctx, *roomName); err != nil && !errors.Is(err, room.ErrAlreadyExists) {
		log.Fatalf("❌ Create Room Failed: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	var ready sync.WaitGroup
	ready.Add(*userCount)
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runUser(ctx, authClient, fmt.Sprintf("lt_%d", id), &ready)
		}(i)
	}

	wg.Wait()
	sent := int64(*userCount * *msgCount)
	log.Printf("✅ LOAD TEST COMPLETE in %s: sent %d, received %d (max %d)",
		time.Since(start).Round(time.Millisecond), sent, received.Load(), sent*int64(*userCount-1))
}

// login registers (ignores error if exists) and authenticates.
func login(ctx context.Context, ac *client.AuthClient, username string) (string, error) {
	password := "password123"
	if _, err := ac.Register(ctx, username, password); err != nil && !errors.Is(err, auth.ErrUserExists) {
		return "", err
	}
	return ac.Authenticate(ctx, username, password)
}

func runUser(ctx context.Context, ac *client.AuthClient, user string, ready *sync.WaitGroup) {
	joined := false
	defer func() {
		if !joined {
			ready.Done()
		}
	}()

	token, err := login(ctx, ac, user)
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", user, err)
		return
	}

	creds := &myMiddleware.Credentials{}
	creds.Set(token)
	stream, err := client.NewChatClient(*chatURL, creds).Connect(ctx)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		return
	}
	defer stream.Close()

	go func() {
		for ev := range stream.Events() {
			if ev.Type == chat.EventText {
				received.Add(1)
			}
		}
	}()

	if err := stream.Send(chat.Event{Type: chat.EventJoin, Room: *roomName}); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", user, err)
		return
	}

	// Nobody sends until everyone has joined, so every message has the full
	// audience.
	joined = true
	ready.Done()
	ready.Wait()

	for i := 0; i < *msgCount; i++ {
		ev := chat.Event{Type: chat.EventText, Room: *roomName, Message: fmt.Sprintf("LoadTest Msg %d from %s", i, user)}
		if err := stream.Send(ev); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", user, *msgCount)
	time.Sleep(*settle)
}
