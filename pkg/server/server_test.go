package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/maybehotcarl/gatedblog/pkg/checkout"
	"github.com/maybehotcarl/gatedblog/pkg/config"
	"github.com/maybehotcarl/gatedblog/pkg/gate"
	"github.com/maybehotcarl/gatedblog/pkg/page"
	"github.com/maybehotcarl/gatedblog/pkg/posts"
	"github.com/maybehotcarl/gatedblog/pkg/session"
	"github.com/maybehotcarl/gatedblog/pkg/siwe"
)

const shareableLink = "https://checkout.example.com/link/membership"

type fakeBalances struct {
	mu sync.Mutex
	m  map[common.Address]int64
}

func (f *fakeBalances) set(addr common.Address, bal int64) {
	f.mu.Lock()
	f.m[addr] = bal
	f.mu.Unlock()
}

func (f *fakeBalances) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return big.NewInt(f.m[addr]), nil
}

// storeFetcher reads posts straight from the store.
type storeFetcher struct {
	store posts.Store
}

func (f storeFetcher) Fetch(ctx context.Context) ([]posts.Post, error) {
	return f.store.List(ctx)
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	client   *http.Client
	balances *fakeBalances
	registry *gate.Registry
	key      *ecdsa.PrivateKey
	addr     common.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.ClientID = "client-123"
	cfg.ContractAddress = "0x9999999999999999999999999999999999999999"
	cfg.ShareableLink = shareableLink
	cfg.SessionSecret = "test-secret"
	cfg.RenderWait = 2 * time.Second
	cfg.QueryTimeout = 2 * time.Second

	store, err := posts.OpenSQLite(filepath.Join(t.TempDir(), "posts.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.Seed(ctx, []posts.Post{
		{Title: "First", Description: "one"},
		{Title: "Second", Description: "two"},
	}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	balances := &fakeBalances{m: make(map[common.Address]int64)}
	g := gate.New(gate.Config{
		Balances:     balances,
		Fetcher:      storeFetcher{store},
		Threshold:    big.NewInt(1),
		QueryTimeout: cfg.QueryTimeout,
	})
	registry := gate.NewRegistry(g, 0)
	t.Cleanup(registry.Close)

	trigger, err := checkout.NewTrigger(cfg.ShareableLink)
	if err != nil {
		t.Fatalf("NewTrigger: %v", err)
	}
	renderer, err := page.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	srv := New(Deps{
		Config:   cfg,
		SIWE:     siwe.NewService(cfg.SIWEDomain, cfg.SIWEUri, int64(cfg.ChainID), cfg.NonceLength, siwe.NewNonceStore(cfg.ChallengeTTL)),
		Registry: registry,
		Sessions: session.NewManager(cfg.SessionSecret, cfg.SessionTTL),
		Checkout: trigger,
		Posts:    store,
		Renderer: renderer,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, _ := cookiejar.New(nil)
	key, _ := crypto.GenerateKey()

	return &testEnv{
		srv:      srv,
		ts:       ts,
		client:   &http.Client{Jar: jar, CheckRedirect: noRedirect},
		balances: balances,
		registry: registry,
		key:      key,
		addr:     crypto.PubkeyToAddress(key.PublicKey),
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func (e *testEnv) do(t *testing.T, method, path string, body any, accept string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, e.ts.URL+path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func (e *testEnv) login(t *testing.T) VerifyResponse {
	t.Helper()
	resp := e.do(t, "POST", "/auth/challenge", map[string]string{"address": e.addr.Hex()}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("challenge: status %d", resp.StatusCode)
	}
	var ch ChallengeResponse
	decode(t, resp, &ch)

	sig, err := crypto.Sign(siwe.SignHash(ch.Message), e.key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[64] += 27

	resp = e.do(t, "POST", "/auth/verify", siwe.SignedMessage{Message: ch.Message, Signature: hexutil.Encode(sig)}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status %d", resp.StatusCode)
	}
	var vr VerifyResponse
	decode(t, resp, &vr)
	return vr
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "GET", "/health", nil, "")
	var body map[string]any
	decode(t, resp, &body)

	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("unexpected health response: %d %v", resp.StatusCode, body)
	}
}

func TestIndexDisconnectedShowsPlaceholders(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "GET", "/", nil, "text/html")
	defer resp.Body.Close()
	html, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(html), "Lorem Ipsum Dolor Sit Amet") {
		t.Error("expected placeholder posts")
	}
	if strings.Contains(string(html), "First") {
		t.Error("real posts leaked to a disconnected view")
	}
	if want := fmt.Sprintf(`data-chain-id="%d"`, e.srv.siwe.ChainID()); !strings.Contains(string(html), want) {
		t.Errorf("expected page to carry %s", want)
	}

	found := false
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			found = true
		}
	}
	if !found {
		t.Error("expected session cookie to be set")
	}
}

func TestLoginHolderUnlocks(t *testing.T) {
	e := newTestEnv(t)
	e.balances.set(e.addr, 1)

	vr := e.login(t)
	if vr.Address != e.addr.Hex() {
		t.Errorf("expected address %s, got %s", e.addr.Hex(), vr.Address)
	}
	if vr.View.State != gate.Unlocked {
		t.Fatalf("expected unlocked, got %s", vr.View.State)
	}
	if len(vr.View.Posts) != 2 || vr.View.Posts[0].Title != "First" {
		t.Errorf("expected stored posts in order, got %v", vr.View.Posts)
	}

	resp := e.do(t, "GET", "/", nil, "text/html")
	defer resp.Body.Close()
	html, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(html), "Second") {
		t.Error("expected real posts on the page")
	}
}

func TestLoginNonHolderGetsCheckout(t *testing.T) {
	e := newTestEnv(t)

	vr := e.login(t)
	if vr.View.State != gate.Locked || !vr.View.CheckoutAvailable {
		t.Fatalf("expected locked view with checkout, got %+v", vr.View)
	}

	resp := e.do(t, "POST", "/checkout", nil, "application/json")
	var h checkout.Handoff
	decode(t, resp, &h)
	if resp.StatusCode != http.StatusOK || h.CheckoutLinkURL != shareableLink {
		t.Errorf("unexpected handoff: %d %+v", resp.StatusCode, h)
	}

	resp = e.do(t, "POST", "/checkout", nil, "text/html")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != shareableLink {
		t.Errorf("expected redirect to checkout, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestCheckoutUnavailable(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "POST", "/checkout", nil, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("disconnected: expected 401, got %d", resp.StatusCode)
	}

	resp = e.do(t, "POST", "/checkout", nil, "text/html")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Errorf("disconnected browser: expected redirect home, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	e.balances.set(e.addr, 1)
	e.login(t)
	resp = e.do(t, "POST", "/checkout", nil, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("holder: expected 409, got %d", resp.StatusCode)
	}
}

func TestDisconnect(t *testing.T) {
	e := newTestEnv(t)
	e.balances.set(e.addr, 1)
	e.login(t)

	resp := e.do(t, "POST", "/auth/disconnect", nil, "")
	var snap gate.Snapshot
	decode(t, resp, &snap)
	if snap.Connected || snap.State != gate.Locked || !snap.Placeholder {
		t.Errorf("unexpected snapshot after disconnect: %+v", snap)
	}

	// The reissued token carries no account, so the view stays disconnected
	resp = e.do(t, "GET", "/view", nil, "")
	decode(t, resp, &snap)
	if snap.Connected {
		t.Error("view reconnected after disconnect")
	}
}

func TestViewRestoredFromToken(t *testing.T) {
	e := newTestEnv(t)
	e.balances.set(e.addr, 1)
	vr := e.login(t)

	// Simulate eviction or a restart
	e.registry.Delete(vr.View.ID)

	resp := e.do(t, "GET", "/view?wait=1", nil, "")
	var snap gate.Snapshot
	decode(t, resp, &snap)
	if snap.ID != vr.View.ID || snap.Account != e.addr.Hex() || snap.State != gate.Unlocked {
		t.Errorf("expected restored unlocked view, got %+v", snap)
	}
}

func TestBearerToken(t *testing.T) {
	e := newTestEnv(t)
	e.balances.set(e.addr, 1)
	vr := e.login(t)

	req, _ := http.NewRequest("GET", e.ts.URL+"/view?wait=1", nil)
	req.Header.Set("Authorization", "Bearer "+vr.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /view: %v", err)
	}
	var snap gate.Snapshot
	decode(t, resp, &snap)
	if snap.ID != vr.View.ID || snap.State != gate.Unlocked {
		t.Errorf("bearer token did not resolve the view: %+v", snap)
	}
}

func TestRefreshRelocksAfterTransfer(t *testing.T) {
	e := newTestEnv(t)
	e.balances.set(e.addr, 1)
	e.login(t)

	e.balances.set(e.addr, 0)
	resp := e.do(t, "GET", "/view?refresh=1&wait=1", nil, "")
	var snap gate.Snapshot
	decode(t, resp, &snap)
	if snap.State != gate.Locked || !snap.CheckoutAvailable {
		t.Errorf("expected locked view after refresh, got %+v", snap)
	}
}

func TestRevokerRechecksViews(t *testing.T) {
	e := newTestEnv(t)
	e.balances.set(e.addr, 1)
	vr := e.login(t)

	e.balances.set(e.addr, 0)
	if n := NewRevoker(e.srv).Recheck(e.addr); n != 1 {
		t.Fatalf("expected 1 view rechecked, got %d", n)
	}

	v := e.registry.Get(vr.View.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v.Wait(ctx)
	if v.Snapshot().State != gate.Locked {
		t.Error("expected view to relock after transfer")
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "POST", "/auth/challenge", map[string]string{"address": e.addr.Hex()}, "")
	var ch ChallengeResponse
	decode(t, resp, &ch)

	other, _ := crypto.GenerateKey()
	sig, _ := crypto.Sign(siwe.SignHash(ch.Message), other)

	resp = e.do(t, "POST", "/auth/verify", siwe.SignedMessage{Message: ch.Message, Signature: hexutil.Encode(sig)}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestChallengeValidation(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body any
	}{
		{"missing", map[string]string{}},
		{"not hex", map[string]string{"address": "alice"}},
	}
	for _, tt := range tests {
		resp := e.do(t, "POST", "/auth/challenge", tt.body, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, resp.StatusCode)
		}
	}
}

func TestBlogPosts(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "GET", "/api/blogPosts", nil, "")
	var body posts.ListResponse
	decode(t, resp, &body)

	if len(body.Data) != 2 || body.Data[0].Title != "First" || body.Data[1].Title != "Second" {
		t.Errorf("unexpected posts: %v", body.Data)
	}
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t)
	e.srv.SetCORSOrigin("https://blog.example.com")
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/view", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://blog.example.com" {
		t.Errorf("unexpected preflight response: %d %v", resp.StatusCode, resp.Header)
	}
}
