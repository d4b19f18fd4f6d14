package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/maybehotcarl/gatedblog/pkg/api"
	"github.com/maybehotcarl/gatedblog/pkg/siwe"
)

func TestGenerate(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if w.Address() == (common.Address{}) {
		t.Error("generated address should not be zero")
	}
	if !strings.HasPrefix(w.AddressHex(), "0x") {
		t.Errorf("address should start with 0x, got %s", w.AddressHex())
	}
	if len(w.PrivateKeyHex()) != 64 {
		t.Errorf("expected 64 hex chars for private key, got %d", len(w.PrivateKeyHex()))
	}
}

func TestFromHex(t *testing.T) {
	key, _ := crypto.GenerateKey()
	expected := crypto.PubkeyToAddress(key.PublicKey)

	for _, prefix := range []string{"", "0x"} {
		w, err := FromHex(prefix + common.Bytes2Hex(crypto.FromECDSA(key)))
		if err != nil {
			t.Fatalf("FromHex(%q prefix): %v", prefix, err)
		}
		if w.Address() != expected {
			t.Errorf("address mismatch: got %s, want %s", w.AddressHex(), expected.Hex())
		}
	}
}

func TestFromHexInvalid(t *testing.T) {
	if _, err := FromHex("not-a-valid-key"); err == nil {
		t.Error("expected error for invalid hex key")
	}
}

func TestSaveAndLoadKeyFile(t *testing.T) {
	w, _ := Generate()
	path := filepath.Join(t.TempDir(), "test.key")

	if err := w.SaveKeyFile(path); err != nil {
		t.Fatalf("SaveKeyFile: %v", err)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file should be 0600, got %o", info.Mode().Perm())
	}

	w2, err := FromKeyFile(path)
	if err != nil {
		t.Fatalf("FromKeyFile: %v", err)
	}
	if w.Address() != w2.Address() {
		t.Errorf("addresses should match: %s vs %s", w.AddressHex(), w2.AddressHex())
	}
}

func TestFromKeyFileNotFound(t *testing.T) {
	if _, err := FromKeyFile("/nonexistent/path/key.txt"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSignMessage(t *testing.T) {
	w, _ := Generate()

	sig, err := w.SignMessage("test message")
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") {
		t.Errorf("signature should start with 0x, got %s", sig[:4])
	}
	// 65 bytes = 130 hex chars + "0x" prefix
	if len(sig) != 132 {
		t.Errorf("expected 132 chars, got %d", len(sig))
	}
}

func TestSignChallengeVerifies(t *testing.T) {
	ctx := context.Background()
	w, _ := Generate()
	svc := siwe.NewService("blog.example.com", "https://blog.example.com", 80001, 16, siwe.NewNonceStore(time.Minute))

	challenge, err := svc.NewChallenge(ctx)
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	signed, err := w.SignChallenge(siwe.FormatMessage(challenge, w.AddressHex()))
	if err != nil {
		t.Fatalf("SignChallenge: %v", err)
	}

	auth, err := svc.Verify(ctx, signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if auth.Address != w.Address() {
		t.Errorf("recovered %s, want %s", auth.Address.Hex(), w.AddressHex())
	}
}

// authServer serves /auth/challenge and /auth/verify from a real SIWE
// service. addressFor picks the address the challenge is written for.
type authServer struct {
	*httptest.Server
	verifies atomic.Int32
}

func newAuthServer(t *testing.T, addressFor func(requested string) string) *authServer {
	t.Helper()
	nonces := siwe.NewNonceStore(time.Minute)
	t.Cleanup(nonces.Close)
	svc := siwe.NewService("blog.example.com", "https://blog.example.com", 80001, 16, nonces)

	a := &authServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		challenge, err := svc.NewChallenge(r.Context())
		if err != nil {
			t.Errorf("NewChallenge: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(api.ChallengeResponse{
			Message: siwe.FormatMessage(challenge, addressFor(req.Address)),
			Nonce:   challenge.Nonce,
		})
	})
	mux.HandleFunc("POST /auth/verify", func(w http.ResponseWriter, r *http.Request) {
		a.verifies.Add(1)
		var signed siwe.SignedMessage
		json.NewDecoder(r.Body).Decode(&signed)
		auth, err := svc.Verify(r.Context(), &signed)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "signature verification failed"})
			return
		}
		json.NewEncoder(w).Encode(api.VerifyResponse{
			Address: auth.Address.Hex(),
			Token:   "tok-" + auth.Address.Hex(),
		})
	})
	a.Server = httptest.NewServer(mux)
	t.Cleanup(a.Close)
	return a
}

func TestLogin(t *testing.T) {
	srv := newAuthServer(t, func(requested string) string { return requested })
	w, _ := Generate()
	client := api.NewClient(srv.URL)

	resp, err := w.Login(client)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.Address != w.AddressHex() {
		t.Errorf("expected address %s, got %s", w.AddressHex(), resp.Address)
	}
	if client.SessionToken() != "tok-"+w.AddressHex() {
		t.Errorf("client should carry the session token, got %q", client.SessionToken())
	}
}

func TestLoginRefusesForeignChallenge(t *testing.T) {
	other, _ := Generate()
	srv := newAuthServer(t, func(string) string { return other.AddressHex() })
	w, _ := Generate()
	client := api.NewClient(srv.URL)

	if _, err := w.Login(client); err == nil || !strings.Contains(err.Error(), "not addressed") {
		t.Fatalf("expected refusal for a challenge naming another account, got %v", err)
	}
	if n := srv.verifies.Load(); n != 0 {
		t.Errorf("nothing should be submitted for a foreign challenge, got %d verify calls", n)
	}
	if client.SessionToken() != "" {
		t.Errorf("no session expected, got %q", client.SessionToken())
	}
}

func TestLoginServerRejects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "nonce store down"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	w, _ := Generate()
	_, err := w.Login(api.NewClient(ts.URL))
	if err == nil || !strings.Contains(err.Error(), "nonce store down") {
		t.Fatalf("expected server error to surface, got %v", err)
	}
}
