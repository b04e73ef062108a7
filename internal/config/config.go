// Package config loads the settings shared by the auth server, the chat
// server and the chat client.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SeedUser is a user created in the in-memory credential store at startup.
type SeedUser struct {
	Username string
	Password string
	Roles    []string
}

type Config struct {
	AuthAddr string // listen address of the auth server
	ChatAddr string // listen address of the chat server
	AuthURL  string // base URL clients use to reach the auth server
	ChatURL  string // base URL clients use to reach the chat server

	JWTSecret     string
	JWTIssuer     string
	TokenTTL      time.Duration
	EnforceExpiry bool

	// AuthVerify is "local" (verify with the shared secret) or "remote"
	// (ask the auth server's /authorize endpoint).
	AuthVerify     string
	RoomCreateRole string

	SeedUsers []SeedUser
	SeedRooms []string

	SendBuffer int

	DBDSN     string
	RedisAddr string
}

func Default() Config {
	return Config{
		AuthAddr:      ":9091",
		ChatAddr:      ":9092",
		AuthURL:       "http://localhost:9091",
		ChatURL:       "http://localhost:9092",
		JWTSecret:     "secret",
		JWTIssuer:     "auth-issuer",
		TokenTTL:      24 * time.Hour,
		EnforceExpiry: true,
		AuthVerify:    "local",
		SeedUsers: []SeedUser{
			{Username: "admin", Password: "admin", Roles: []string{"admin", "user"}},
			{Username: "alice", Password: "alice", Roles: []string{"user"}},
			{Username: "bob", Password: "bob", Roles: []string{"user"}},
		},
		SeedRooms:  []string{"lobby"},
		SendBuffer: 64,
	}
}

// Load returns the defaults overridden by any environment variables that are
// set. Values that fail to parse keep their default.
func Load() Config {
	cfg := Default()

	setString(&cfg.AuthAddr, "AUTH_ADDR")
	setString(&cfg.ChatAddr, "CHAT_ADDR")
	setString(&cfg.AuthURL, "AUTH_URL")
	setString(&cfg.ChatURL, "CHAT_URL")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.AuthVerify, "AUTH_VERIFY")
	setString(&cfg.RoomCreateRole, "ROOM_CREATE_ROLE")
	setString(&cfg.DBDSN, "DB_DSN")
	setString(&cfg.RedisAddr, "REDIS_ADDR")

	if v := os.Getenv("TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TokenTTL = d
		}
	}
	if v := os.Getenv("TOKEN_ENFORCE_EXPIRY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnforceExpiry = b
		}
	}
	if v := os.Getenv("SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SendBuffer = n
		}
	}
	if v := os.Getenv("SEED_USERS"); v != "" {
		cfg.SeedUsers = ParseSeedUsers(v)
	}
	if v, ok := os.LookupEnv("SEED_ROOMS"); ok {
		cfg.SeedRooms = splitList(v, ",")
	}

	return cfg
}

// ParseSeedUsers parses "name:password[:role|role],..." entries. Malformed
// entries are skipped; a user without roles gets the "user" role.
func ParseSeedUsers(s string) []SeedUser {
	var users []SeedUser
	for _, entry := range splitList(s, ",") {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		roles := []string{"user"}
		if len(parts) == 3 {
			if r := splitList(parts[2], "|"); len(r) > 0 {
				roles = r
			}
		}
		users = append(users, SeedUser{Username: parts[0], Password: parts[1], Roles: roles})
	}
	return users
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
