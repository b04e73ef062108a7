package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"roomchat/internal/client"
	"roomchat/internal/config"
	myMiddleware "roomchat/internal/middleware"
	"roomchat/internal/session"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func run() error {
	cfg := config.Load()
	authURL := flag.String("auth", cfg.AuthURL, "auth server base URL")
	chatURL := flag.String("chat", cfg.ChatURL, "chat server base URL")
	verbose := flag.Bool("v", false, "log client internals to stderr")
	flag.Parse()

	if !*verbose {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	creds := &myMiddleware.Credentials{}
	authClient := client.NewAuthClient(*authURL, nil)
	chatClient := client.NewChatClient(*chatURL, creds)

	inputCh := make(chan string)
	go readInput(inputCh)

	sess := session.New(session.Config{
		Auth:  authClient,
		Rooms: chatClient,
		Connect: func(ctx context.Context) (session.Stream, error) {
			st, err := chatClient.Connect(ctx)
			if err != nil {
				return nil, err
			}
			return st, nil
		},
		SetToken: creds.Set,
		ReadPassword: func() (string, error) {
			fmt.Print("password: ")
			line, ok := <-inputCh
			if !ok {
				return "", errors.New("input closed")
			}
			return line, nil
		},
		Release: func() {
			authClient.CloseIdleConnections()
			chatClient.CloseIdleConnections()
		},
		Out: os.Stdout,
	})
	defer sess.Close()

	fmt.Print(sess.Prompt())
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return nil
		case <-sess.Lost():
			return nil
		case line, ok := <-inputCh:
			if !ok {
				fmt.Println("\nInput closed.")
				return nil
			}
			if err := sess.Execute(ctx, line); errors.Is(err, session.ErrQuit) {
				fmt.Println("Bye!")
				return nil
			}
			fmt.Print(sess.Prompt())
		}
	}
}

func readInput(dst chan<- string) {
	defer close(dst)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		dst <- scanner.Text()
	}
}
