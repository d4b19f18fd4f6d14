// blogctl is the command-line client for the gated blog.
//
// Usage:
//
//	blogctl keygen     --out wallet.key
//	blogctl login      --server http://localhost:8080 --key wallet.key
//	blogctl view       --server http://localhost:8080
//	blogctl checkout   --server http://localhost:8080
//	blogctl disconnect --server http://localhost:8080
//	blogctl publish    --dsn gatedblog.db --title "..." --description "..."
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/maybehotcarl/gatedblog/pkg/api"
	"github.com/maybehotcarl/gatedblog/pkg/gate"
	"github.com/maybehotcarl/gatedblog/pkg/posts"
	"github.com/maybehotcarl/gatedblog/pkg/wallet"
)

const defaultServer = "http://localhost:8080"

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "keygen":
		cmdKeygen(os.Args[2:])
	case "login":
		cmdLogin(os.Args[2:])
	case "view":
		cmdView(os.Args[2:])
	case "checkout":
		cmdCheckout(os.Args[2:])
	case "disconnect":
		cmdDisconnect(os.Args[2:])
	case "posts":
		cmdPosts(os.Args[2:])
	case "publish":
		cmdPublish(os.Args[2:])
	case "health":
		cmdHealth(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Gated blog client

Usage:
  blogctl <command> [flags]

Commands:
  keygen       Generate a new Ethereum wallet
  login        Sign in with a wallet and show the posts it unlocks
  view         Show the current view (posts or placeholders)
  checkout     Print the checkout link for a wallet without the token
  disconnect   Forget the connected wallet
  posts        Read the posts backend directly
  publish      Append a post to the posts store (sqlite path or postgres:// URL)
  health       Check server health

Flags:
  --server     Server URL (default: http://localhost:8080)
  --key        Path to wallet key file (login)
  --dsn        Posts store (publish, default: gatedblog.db)
  --session    Path to the saved session token (default: ~/.gatedblog/session)`)
}

func defaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gatedblog-session"
	}
	return filepath.Join(home, ".gatedblog", "session")
}

func loadSession(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveSession(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token+"\n"), 0600)
}

// sessionClient returns a client carrying the saved token, if any.
func sessionClient(server, sessionPath string) *api.Client {
	client := api.NewClient(server)
	if token := loadSession(sessionPath); token != "" {
		client.SetSessionToken(token)
	}
	return client
}

func cmdKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	outFile := fs.String("out", "", "Output file for private key")
	fs.Parse(args)

	w, err := wallet.Generate()
	if err != nil {
		log.Fatalf("Key generation failed: %v", err)
	}

	fmt.Printf("Address: %s\n", w.AddressHex())

	if *outFile != "" {
		if err := w.SaveKeyFile(*outFile); err != nil {
			log.Fatalf("Failed to save key: %v", err)
		}
		fmt.Printf("Private key saved to: %s\n", *outFile)
	} else {
		fmt.Printf("Private key: %s\n", w.PrivateKeyHex())
		fmt.Println("(Use --out <file> to save to a file)")
	}
}

func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	server := fs.String("server", defaultServer, "Server URL")
	keyFile := fs.String("key", "", "Path to wallet private key file")
	sessionPath := fs.String("session", defaultSessionPath(), "Where to save the session token")
	fs.Parse(args)

	if *keyFile == "" {
		log.Fatal("--key is required (use 'blogctl keygen' to create one)")
	}

	w, err := wallet.FromKeyFile(*keyFile)
	if err != nil {
		log.Fatalf("Failed to load wallet: %v", err)
	}
	log.Printf("Wallet: %s", w.AddressHex())

	client := api.NewClient(*server)

	log.Println("Signing in and checking token balance...")
	verify, err := w.Login(client)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	if err := saveSession(*sessionPath, verify.Token); err != nil {
		log.Fatalf("Failed to save session: %v", err)
	}

	snap := &verify.View
	if snap.Pending {
		if snap, err = client.View(true, false); err != nil {
			log.Fatalf("View failed: %v", err)
		}
	}

	fmt.Printf("Signed in as %s (session expires %s)\n", verify.Address, verify.ExpiresAt.Format("2006-01-02 15:04"))
	printView(snap)
}

func cmdView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	server := fs.String("server", defaultServer, "Server URL")
	sessionPath := fs.String("session", defaultSessionPath(), "Saved session token")
	refresh := fs.Bool("refresh", false, "Re-check the token balance first")
	fs.Parse(args)

	snap, err := sessionClient(*server, *sessionPath).View(true, *refresh)
	if err != nil {
		log.Fatalf("View failed: %v", err)
	}
	printView(snap)
}

func cmdCheckout(args []string) {
	fs := flag.NewFlagSet("checkout", flag.ExitOnError)
	server := fs.String("server", defaultServer, "Server URL")
	sessionPath := fs.String("session", defaultSessionPath(), "Saved session token")
	fs.Parse(args)

	h, err := sessionClient(*server, *sessionPath).Checkout()
	if err != nil {
		log.Fatalf("Checkout unavailable: %v", err)
	}
	fmt.Println("Open this link to buy the membership token:")
	fmt.Printf("  %s\n", h.CheckoutLinkURL)
}

func cmdDisconnect(args []string) {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	server := fs.String("server", defaultServer, "Server URL")
	sessionPath := fs.String("session", defaultSessionPath(), "Saved session token")
	fs.Parse(args)

	if _, err := sessionClient(*server, *sessionPath).Disconnect(); err != nil {
		log.Fatalf("Disconnect failed: %v", err)
	}
	if err := os.Remove(*sessionPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: could not remove %s: %v", *sessionPath, err)
	}
	fmt.Println("Disconnected.")
}

func cmdPosts(args []string) {
	fs := flag.NewFlagSet("posts", flag.ExitOnError)
	server := fs.String("server", defaultServer, "Server URL")
	fs.Parse(args)

	list, err := api.NewClient(*server).Posts()
	if err != nil {
		log.Fatalf("Failed to read posts: %v", err)
	}
	if len(list) == 0 {
		fmt.Println("No posts.")
		return
	}
	for i, p := range list {
		fmt.Printf("  [%d] %s\n", i+1, p.Title)
		fmt.Printf("      %s\n", p.Description)
	}
}

func cmdPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	dsn := fs.String("dsn", "gatedblog.db", "sqlite path or postgres:// URL")
	title := fs.String("title", "", "Post title")
	description := fs.String("description", "", "Post body (markdown)")
	fs.Parse(args)

	ctx := context.Background()
	store, err := posts.Open(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to open posts store: %v", err)
	}
	defer store.Close()

	if err := store.Add(ctx, posts.Post{Title: *title, Description: *description}); err != nil {
		log.Fatalf("Publish failed: %v", err)
	}
	fmt.Printf("Published %q\n", *title)
}

func cmdHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	server := fs.String("server", defaultServer, "Server URL")
	fs.Parse(args)

	health, err := api.NewClient(*server).Health()
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	fmt.Println("Server health:")
	for k, v := range health {
		fmt.Printf("  %s: %v\n", k, v)
	}
}

func printView(snap *gate.Snapshot) {
	fmt.Println()
	if snap.Connected {
		fmt.Printf("Account: %s\n", snap.Account)
	} else {
		fmt.Println("Account: not connected")
	}
	fmt.Printf("State:   %s\n", snap.State)
	if snap.FetchError != "" {
		fmt.Printf("Posts could not be loaded: %s\n", snap.FetchError)
	}
	fmt.Println()

	if snap.Placeholder {
		fmt.Println("Posts are locked. Preview:")
	}
	if len(snap.Posts) == 0 && snap.FetchError == "" {
		fmt.Println("  (no posts)")
	}
	for i, p := range snap.Posts {
		fmt.Printf("  [%d] %s\n", i+1, p.Title)
		if !snap.Placeholder {
			fmt.Printf("      %s\n", p.Description)
		}
	}

	if snap.CheckoutAvailable {
		fmt.Println()
		fmt.Println("This wallet does not hold the membership token. Run 'blogctl checkout' for the link.")
	}
}
