package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "GATEDBLOG_"

// Fetch failure policies.
const (
	PolicyKeepUnlocked = "keep-unlocked"
	PolicyRelock       = "relock"
)

// Token standards.
const (
	StandardERC1155 = "erc1155"
	StandardERC721  = "erc721"
)

// Config holds all server configuration.
type Config struct {
	// Server settings
	ListenAddr   string `json:"listen_addr" env:"LISTEN_ADDR"`     // e.g. ":8080"
	AutocertHost string `json:"autocert_host" env:"AUTOCERT_HOST"` // serve TLS via Let's Encrypt when set
	AutocertDir  string `json:"autocert_dir" env:"AUTOCERT_DIR"`
	DevMode      bool   `json:"dev_mode" env:"DEV_MODE"`

	// Wallet widget client id, surfaced to the page
	ClientID string `json:"client_id" env:"CLIENT_ID"`

	// Token contract and gate
	EthereumRPC     string `json:"ethereum_rpc" env:"ETH_RPC"`
	EthereumWS      string `json:"ethereum_ws" env:"ETH_WS"` // enables the transfer watcher
	ChainID         int    `json:"chain_id" env:"CHAIN_ID"`
	ContractAddress string `json:"contract_address" env:"CONTRACT_ADDRESS"`
	TokenStandard   string `json:"token_standard" env:"TOKEN_STANDARD"`
	TokenID         int64  `json:"token_id" env:"TOKEN_ID"`
	MinimumBalance  int64  `json:"minimum_balance" env:"MINIMUM_BALANCE"`

	// Checkout
	ShareableLink string `json:"shareable_link" env:"SHAREABLE_LINK"`

	// Content
	PostsURL           string        `json:"posts_url" env:"POSTS_URL"` // empty = this server's /api/blogPosts
	PostsDSN           string        `json:"posts_dsn" env:"POSTS_DSN"` // sqlite path or postgres:// URL
	SeedFile           string        `json:"seed_file" env:"SEED_FILE"`
	FetchFailurePolicy string        `json:"fetch_failure_policy" env:"FETCH_FAILURE_POLICY"`
	FetchTimeout       time.Duration `json:"fetch_timeout" env:"FETCH_TIMEOUT"`

	// SIWE settings
	SIWEDomain   string        `json:"siwe_domain" env:"SIWE_DOMAIN"`
	SIWEUri      string        `json:"siwe_uri" env:"SIWE_URI"`
	ChallengeTTL time.Duration `json:"challenge_ttl" env:"CHALLENGE_TTL"`
	NonceLength  int           `json:"nonce_length" env:"NONCE_LENGTH"`
	RedisURL     string        `json:"redis_url" env:"REDIS_URL"` // shared nonce store; in-memory when empty

	// Views and sessions
	SessionSecret string        `json:"session_secret" env:"SESSION_SECRET"`
	SessionTTL    time.Duration `json:"session_ttl" env:"SESSION_TTL"`
	ViewIdleTTL   time.Duration `json:"view_idle_ttl" env:"VIEW_IDLE_TTL"`
	QueryTimeout  time.Duration `json:"query_timeout" env:"QUERY_TIMEOUT"`
	RenderWait    time.Duration `json:"render_wait" env:"RENDER_WAIT"`

	// Tracing
	OTLPEndpoint string `json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
}

// DefaultConfig returns a config with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         ":8080",
		AutocertDir:        "/var/www/.cache",
		ChainID:            80001, // Polygon Mumbai
		TokenStandard:      StandardERC1155,
		TokenID:            0,
		MinimumBalance:     1,
		PostsDSN:           "gatedblog.db",
		FetchFailurePolicy: PolicyKeepUnlocked,
		FetchTimeout:       10 * time.Second,
		SIWEDomain:         "localhost:8080",
		SIWEUri:            "http://localhost:8080",
		ChallengeTTL:       5 * time.Minute,
		NonceLength:        16,
		SessionTTL:         24 * time.Hour,
		ViewIdleTTL:        30 * time.Minute,
		QueryTimeout:       15 * time.Second,
		RenderWait:         500 * time.Millisecond,
	}
}

// duration decodes a JSON string such as "15s" through time.ParseDuration,
// or a bare number as nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"15s\" or integer nanoseconds: %w", err)
	}
	*d = duration(n)
	return nil
}

// UnmarshalJSON decodes a config file. Duration fields accept either
// strings like "30s" or integer nanoseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	aux := struct {
		*plain
		FetchTimeout *duration `json:"fetch_timeout"`
		ChallengeTTL *duration `json:"challenge_ttl"`
		SessionTTL   *duration `json:"session_ttl"`
		ViewIdleTTL  *duration `json:"view_idle_ttl"`
		QueryTimeout *duration `json:"query_timeout"`
		RenderWait   *duration `json:"render_wait"`
	}{
		plain:        (*plain)(c),
		FetchTimeout: (*duration)(&c.FetchTimeout),
		ChallengeTTL: (*duration)(&c.ChallengeTTL),
		SessionTTL:   (*duration)(&c.SessionTTL),
		ViewIdleTTL:  (*duration)(&c.ViewIdleTTL),
		QueryTimeout: (*duration)(&c.QueryTimeout),
		RenderWait:   (*duration)(&c.RenderWait),
	}
	return json.Unmarshal(data, &aux)
}

// LoadFromFile reads config from a JSON file, applying defaults for missing fields.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from GATEDBLOG_* environment variables.
// Unset variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("contract_address is required")
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("contract_address %q is not a hex address", c.ContractAddress)
	}
	if c.ShareableLink == "" {
		return fmt.Errorf("shareable_link is required")
	}
	u, err := url.Parse(c.ShareableLink)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("shareable_link %q must be an absolute URL", c.ShareableLink)
	}
	if c.EthereumRPC == "" {
		return fmt.Errorf("ethereum_rpc is required")
	}
	if c.MinimumBalance < 0 {
		return fmt.Errorf("minimum_balance must be >= 0")
	}
	if c.TokenID < 0 {
		return fmt.Errorf("token_id must be >= 0")
	}
	switch strings.ToLower(c.TokenStandard) {
	case StandardERC1155, StandardERC721:
	default:
		return fmt.Errorf("unknown token_standard %q", c.TokenStandard)
	}
	switch strings.ToLower(c.FetchFailurePolicy) {
	case PolicyKeepUnlocked, PolicyRelock:
	default:
		return fmt.Errorf("unknown fetch_failure_policy %q", c.FetchFailurePolicy)
	}
	if c.NonceLength < 8 {
		return fmt.Errorf("nonce_length must be >= 8")
	}
	if c.SessionSecret == "" && !c.DevMode {
		return fmt.Errorf("session_secret is required outside dev mode")
	}
	return nil
}

// Secret returns the session signing secret, falling back to a fixed
// value in dev mode.
func (c *Config) Secret() []byte {
	if c.SessionSecret == "" && c.DevMode {
		return []byte("unsecure")
	}
	return []byte(c.SessionSecret)
}

// Scheme is the scheme the server is reachable on: https under autocert,
// http otherwise.
func (c *Config) Scheme() string {
	if c.AutocertHost != "" {
		return "https"
	}
	return "http"
}

// DefaultPostsURL returns this server's own /api/blogPosts endpoint. An
// unspecified listen host (":8080", "0.0.0.0:8080", "[::]:8080") is reached
// through localhost.
func (c *Config) DefaultPostsURL() (string, error) {
	if c.AutocertHost != "" {
		return (&url.URL{Scheme: "https", Host: c.AutocertHost, Path: "/api/blogPosts"}).String(), nil
	}
	host, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err)
	}
	if host == "" || net.ParseIP(host).IsUnspecified() {
		host = "localhost"
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port), Path: "/api/blogPosts"}
	return u.String(), nil
}

// SetSIWE sets the SIWE domain and URI. An empty uri is derived from the
// domain and Scheme.
func (c *Config) SetSIWE(domain, uri string) {
	if domain != "" {
		c.SIWEDomain = domain
		if uri == "" {
			uri = c.Scheme() + "://" + domain
		}
	}
	if uri != "" {
		c.SIWEUri = uri
	}
}
