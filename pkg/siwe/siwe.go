package siwe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidNonce is returned for unknown, expired or replayed nonces.
var ErrInvalidNonce = errors.New("invalid or expired nonce")

// Statement is the human-readable line shown in the wallet prompt.
const Statement = "Sign in to the blog with your Ethereum account to check your membership token."

// Challenge represents a SIWE challenge issued to a client.
type Challenge struct {
	Domain    string    `json:"domain"`
	Address   string    `json:"address,omitempty"` // Empty in challenge, filled by client
	URI       string    `json:"uri"`
	Version   string    `json:"version"`
	ChainID   int64     `json:"chain_id"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	Statement string    `json:"statement,omitempty"`
}

// SignedMessage represents a client's signed SIWE response.
type SignedMessage struct {
	Message   string `json:"message"`   // The full EIP-4361 message string that was signed
	Signature string `json:"signature"` // Hex-encoded signature (0x-prefixed, 65 bytes)
}

// VerifiedAuth is the result of a successful SIWE verification.
type VerifiedAuth struct {
	Address common.Address `json:"address"`
}

// Service handles SIWE challenge generation and verification.
type Service struct {
	domain      string
	uri         string
	chainID     int64
	nonceLength int
	nonces      Nonces
}

// NewService creates a SIWE service backed by nonces.
func NewService(domain, uri string, chainID int64, nonceLength int, nonces Nonces) *Service {
	return &Service{
		domain:      domain,
		uri:         uri,
		chainID:     chainID,
		nonceLength: nonceLength,
		nonces:      nonces,
	}
}

// ChainID returns the chain the service expects signatures for.
func (s *Service) ChainID() int64 {
	return s.chainID
}

// NewChallenge generates a SIWE challenge for the client to sign.
func (s *Service) NewChallenge(ctx context.Context) (*Challenge, error) {
	nonce, err := s.nonces.Generate(ctx, s.nonceLength)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return &Challenge{
		Domain:    s.domain,
		URI:       s.uri,
		Version:   "1",
		ChainID:   s.chainID,
		Nonce:     nonce,
		IssuedAt:  time.Now().UTC(),
		Statement: Statement,
	}, nil
}

// FormatMessage creates the EIP-4361 message string for a challenge + address.
// This is what the client should sign with personal_sign.
func FormatMessage(c *Challenge, address string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", c.Domain)
	fmt.Fprintf(&b, "%s\n", address)
	fmt.Fprintf(&b, "\n")
	if c.Statement != "" {
		fmt.Fprintf(&b, "%s\n", c.Statement)
		fmt.Fprintf(&b, "\n")
	}
	fmt.Fprintf(&b, "URI: %s\n", c.URI)
	fmt.Fprintf(&b, "Version: %s\n", c.Version)
	fmt.Fprintf(&b, "Chain ID: %d\n", c.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", c.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", c.IssuedAt.Format(time.RFC3339))
	return b.String()
}

// Verify checks a signed SIWE message:
// 1. Recovers the signer address from the signature
// 2. Parses the message and checks address, domain, URI and chain ID
// 3. Consumes the nonce (single-use, not expired)
// Returns the verified wallet address.
func (s *Service) Verify(ctx context.Context, signed *SignedMessage) (*VerifiedAuth, error) {
	sigBytes, err := hexutil.Decode(signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	msgHash := signHash([]byte(signed.Message))

	// Wallets use 27/28, go-ethereum expects 0/1
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.SigToPub(msgHash, sigBytes)
	if err != nil {
		return nil, fmt.Errorf("recovering public key: %w", err)
	}
	recoveredAddr := crypto.PubkeyToAddress(*pubKey)

	parsed, err := parseMessage(signed.Message)
	if err != nil {
		return nil, fmt.Errorf("parsing SIWE message: %w", err)
	}

	if !strings.EqualFold(recoveredAddr.Hex(), parsed.address) {
		return nil, fmt.Errorf("recovered address %s does not match message address %s",
			recoveredAddr.Hex(), parsed.address)
	}
	if parsed.domain != s.domain {
		return nil, fmt.Errorf("domain mismatch: got %q, expected %q", parsed.domain, s.domain)
	}
	if parsed.uri != "" && parsed.uri != s.uri {
		return nil, fmt.Errorf("uri mismatch: got %q, expected %q", parsed.uri, s.uri)
	}
	if parsed.chainID != s.chainID {
		return nil, fmt.Errorf("chain id mismatch: got %d, expected %d", parsed.chainID, s.chainID)
	}

	ok, err := s.nonces.Consume(ctx, parsed.nonce)
	if err != nil {
		return nil, fmt.Errorf("checking nonce: %w", err)
	}
	if !ok {
		return nil, ErrInvalidNonce
	}

	return &VerifiedAuth{Address: recoveredAddr}, nil
}

// signHash computes the Ethereum signed message hash (ERC-191).
func signHash(data []byte) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(msg))
}

// SignHash exposes the ERC-191 hash for clients that sign locally.
func SignHash(message string) []byte {
	return signHash([]byte(message))
}

type parsedMessage struct {
	domain  string
	address string
	uri     string
	chainID int64
	nonce   string
}

// parseMessage extracts key fields from an EIP-4361 message string.
func parseMessage(msg string) (*parsedMessage, error) {
	lines := strings.Split(msg, "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("message too short")
	}

	parsed := &parsedMessage{}

	domainLine := lines[0]
	domainEnd := strings.Index(domainLine, " wants you to sign in")
	if domainEnd < 0 {
		return nil, fmt.Errorf("invalid domain line: %q", domainLine)
	}
	parsed.domain = domainLine[:domainEnd]

	parsed.address = strings.TrimSpace(lines[1])
	if !common.IsHexAddress(parsed.address) {
		return nil, fmt.Errorf("invalid address: %q", parsed.address)
	}

	for _, line := range lines[2:] {
		switch {
		case strings.HasPrefix(line, "URI: "):
			parsed.uri = strings.TrimPrefix(line, "URI: ")
		case strings.HasPrefix(line, "Chain ID: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "Chain ID: "), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid chain id: %w", err)
			}
			parsed.chainID = id
		case strings.HasPrefix(line, "Nonce: "):
			parsed.nonce = strings.TrimPrefix(line, "Nonce: ")
		}
	}
	if parsed.nonce == "" {
		return nil, fmt.Errorf("nonce not found in message")
	}

	return parsed, nil
}
