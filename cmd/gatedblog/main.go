package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/acme/autocert"

	"github.com/maybehotcarl/gatedblog/pkg/checkout"
	"github.com/maybehotcarl/gatedblog/pkg/config"
	"github.com/maybehotcarl/gatedblog/pkg/gate"
	"github.com/maybehotcarl/gatedblog/pkg/nftcheck"
	"github.com/maybehotcarl/gatedblog/pkg/page"
	"github.com/maybehotcarl/gatedblog/pkg/posts"
	"github.com/maybehotcarl/gatedblog/pkg/revocation"
	"github.com/maybehotcarl/gatedblog/pkg/server"
	"github.com/maybehotcarl/gatedblog/pkg/session"
	"github.com/maybehotcarl/gatedblog/pkg/siwe"
	"github.com/maybehotcarl/gatedblog/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	listenAddr := flag.String("listen", "", "Listen address (default :8080)")
	ethRPC := flag.String("eth-rpc", "", "Ethereum RPC endpoint")
	ethWS := flag.String("eth-ws", "", "Ethereum WebSocket endpoint for transfer events")
	contract := flag.String("contract", "", "Token contract address")
	clientID := flag.String("client-id", "", "Wallet widget client id")
	shareableLink := flag.String("shareable-link", "", "Checkout link for buyers")
	chainID := flag.Int("chain-id", 0, "Ethereum chain ID (default 80001)")
	siweDomain := flag.String("siwe-domain", "", "SIWE domain (default: localhost:8080)")
	siweURI := flag.String("siwe-uri", "", "SIWE URI (default: scheme://siwe-domain, https under autocert)")
	postsURL := flag.String("posts-url", "", "Posts endpoint (default: this server's /api/blogPosts)")
	postsDSN := flag.String("posts-dsn", "", "sqlite path or postgres:// URL for the posts store")
	seedFile := flag.String("seed", "", "JSON file of posts to load into an empty store")
	policy := flag.String("fetch-failure-policy", "", "keep-unlocked or relock")
	corsOrigin := flag.String("cors-origin", "", "Allowed CORS origin")
	devMode := flag.Bool("dev", false, "Allow an empty session secret")
	flag.Parse()

	// Defaults, then file, then env, then flags.
	var cfg *config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Failed to read environment: %v", err)
	}

	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *ethRPC != "" {
		cfg.EthereumRPC = *ethRPC
	}
	if *ethWS != "" {
		cfg.EthereumWS = *ethWS
	}
	if *contract != "" {
		cfg.ContractAddress = *contract
	}
	if *clientID != "" {
		cfg.ClientID = *clientID
	}
	if *shareableLink != "" {
		cfg.ShareableLink = *shareableLink
	}
	if *chainID != 0 {
		cfg.ChainID = *chainID
	}
	cfg.SetSIWE(*siweDomain, *siweURI)
	if *postsURL != "" {
		cfg.PostsURL = *postsURL
	}
	if *postsDSN != "" {
		cfg.PostsDSN = *postsDSN
	}
	if *seedFile != "" {
		cfg.SeedFile = *seedFile
	}
	if *policy != "" {
		cfg.FetchFailurePolicy = *policy
	}
	if *devMode {
		cfg.DevMode = true
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	// Posts backend
	store, err := posts.Open(ctx, cfg.PostsDSN)
	if err != nil {
		log.Fatalf("Failed to open posts store: %v", err)
	}
	defer store.Close()

	if cfg.SeedFile != "" {
		seed, err := posts.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			log.Fatalf("Failed to load seed file: %v", err)
		}
		n, err := store.Seed(ctx, seed)
		if err != nil {
			log.Fatalf("Failed to seed posts: %v", err)
		}
		if n > 0 {
			log.Printf("Seeded %d posts from %s", n, cfg.SeedFile)
		}
	}

	// Token balance checker
	standard, err := nftcheck.ParseStandard(cfg.TokenStandard)
	if err != nil {
		log.Fatalf("Invalid token standard: %v", err)
	}
	checker, err := nftcheck.NewChecker(cfg.EthereumRPC, nftcheck.Config{
		Contract: common.HexToAddress(cfg.ContractAddress),
		Standard: standard,
		TokenID:  cfg.TokenID,
	})
	if err != nil {
		log.Fatalf("Failed to create balance checker: %v", err)
	}
	defer checker.Close()

	// Content gate
	if cfg.PostsURL == "" {
		if cfg.PostsURL, err = cfg.DefaultPostsURL(); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
	}
	fetchPolicy, err := gate.ParsePolicy(cfg.FetchFailurePolicy)
	if err != nil {
		log.Fatalf("Invalid fetch failure policy: %v", err)
	}
	g := gate.New(gate.Config{
		Balances:     checker,
		Fetcher:      posts.NewFetcher(cfg.PostsURL, cfg.FetchTimeout),
		Threshold:    big.NewInt(cfg.MinimumBalance),
		Policy:       fetchPolicy,
		QueryTimeout: cfg.QueryTimeout,
	})
	registry := gate.NewRegistry(g, cfg.ViewIdleTTL)
	defer registry.Close()

	// Wallet connection
	var nonces siwe.Nonces
	if cfg.RedisURL != "" {
		rs, err := siwe.NewRedisNonceStore(ctx, cfg.RedisURL, cfg.ChallengeTTL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rs.Close()
		nonces = rs
	} else {
		ns := siwe.NewNonceStore(cfg.ChallengeTTL)
		defer ns.Close()
		nonces = ns
	}
	siweSvc := siwe.NewService(cfg.SIWEDomain, cfg.SIWEUri, int64(cfg.ChainID), cfg.NonceLength, nonces)

	trigger, err := checkout.NewTrigger(cfg.ShareableLink)
	if err != nil {
		log.Fatalf("Invalid shareable link: %v", err)
	}

	renderer, err := page.NewRenderer()
	if err != nil {
		log.Fatalf("Failed to parse templates: %v", err)
	}

	srv := server.New(server.Deps{
		Config:   cfg,
		SIWE:     siweSvc,
		Registry: registry,
		Sessions: session.NewManager(string(cfg.Secret()), cfg.SessionTTL),
		Checkout: trigger,
		Posts:    store,
		Renderer: renderer,
	})
	if *corsOrigin != "" {
		srv.SetCORSOrigin(*corsOrigin)
		log.Printf("CORS enabled for origin: %s", *corsOrigin)
	}

	// Relock views when the token moves
	if cfg.EthereumWS != "" {
		watcher, err := revocation.NewWatcher(cfg.EthereumWS, revocation.Config{
			Contract: checker.Contract(),
			Standard: checker.Standard(),
			TokenID:  checker.TokenID().Int64(),
		}, server.NewRevoker(srv))
		if err != nil {
			log.Printf("Warning: failed to start transfer watcher: %v", err)
		} else {
			go watcher.Start(context.Background())
			defer watcher.Stop()
			log.Printf("Transfer event watcher started on %s", checker.Contract().Hex())
		}
	}

	log.Printf("Gated blog starting")
	log.Printf("  Ethereum RPC:  %s", cfg.EthereumRPC)
	log.Printf("  Contract:      %s (%s, token %s, min %d)", checker.Contract().Hex(), checker.Standard(), checker.TokenID(), cfg.MinimumBalance)
	log.Printf("  Chain ID:      %d", siweSvc.ChainID())
	log.Printf("  SIWE:          %s (%s)", cfg.SIWEDomain, cfg.SIWEUri)
	log.Printf("  Posts URL:     %s", cfg.PostsURL)
	log.Printf("  Fetch policy:  %s", fetchPolicy)

	httpSrv := srv.HTTPServer()

	errCh := make(chan error, 1)
	if cfg.AutocertHost != "" {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.AutocertHost),
			Cache:      autocert.DirCache(cfg.AutocertDir),
		}
		httpSrv.Addr = ":443"
		httpSrv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate}
		go func() {
			// ACME http-01 challenges and the redirect to https
			errCh <- http.ListenAndServe(":80", m.HTTPHandler(nil))
		}()
		go func() {
			log.Printf("Listening on :443 for %s", cfg.AutocertHost)
			errCh <- httpSrv.ListenAndServeTLS("", "")
		}()
	} else {
		go func() {
			log.Printf("Listening on %s", cfg.ListenAddr)
			errCh <- httpSrv.ListenAndServe()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Gated blog stopped")
}
