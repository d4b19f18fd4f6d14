// Package gate decides whether a page view shows the real posts or the
// placeholder set.
//
// Each View is a two-state machine (Locked, Unlocked) driven by balance
// results for the view's connected account:
//
//   - Connect(account) resets to Locked and issues a balance query
//   - a balance at or above the threshold moves to Unlocked and issues a
//     content fetch; anything else (including a failed query) moves to Locked
//   - Disconnect() forces Locked and clears fetched posts
//
// Queries and fetches run in goroutines. Every operation is tagged with the
// view's sequence number when it is issued and its result is dropped unless
// that number is still current, so a slow response can never overwrite a
// newer decision.
package gate

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/maybehotcarl/gatedblog/pkg/nftcheck"
	"github.com/maybehotcarl/gatedblog/pkg/posts"
)

// State is the gate decision for a view.
type State int

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// MarshalText renders the state as "locked" or "unlocked" in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "locked" or "unlocked".
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "locked":
		*s = Locked
	case "unlocked":
		*s = Unlocked
	default:
		return fmt.Errorf("unknown gate state %q", b)
	}
	return nil
}

// FetchFailurePolicy decides what an unlocked view does when the content
// fetch fails.
type FetchFailurePolicy int

const (
	// KeepUnlocked stays Unlocked with no posts and reports the error.
	KeepUnlocked FetchFailurePolicy = iota
	// Relock falls back to Locked so the placeholders are shown again.
	Relock
)

func (p FetchFailurePolicy) String() string {
	if p == Relock {
		return "relock"
	}
	return "keep-unlocked"
}

// ParsePolicy maps a config value to a FetchFailurePolicy.
func ParsePolicy(s string) (FetchFailurePolicy, error) {
	switch strings.ToLower(s) {
	case "", "keep-unlocked":
		return KeepUnlocked, nil
	case "relock":
		return Relock, nil
	default:
		return KeepUnlocked, fmt.Errorf("unknown fetch failure policy %q", s)
	}
}

// PostFetcher loads the real post list.
type PostFetcher interface {
	Fetch(ctx context.Context) ([]posts.Post, error)
}

// Config holds the dependencies shared by every view.
type Config struct {
	Balances     nftcheck.BalanceSource
	Fetcher      PostFetcher
	Threshold    *big.Int
	Policy       FetchFailurePolicy
	QueryTimeout time.Duration // per balance query and per fetch; 0 = none
}

// Gate creates views and owns the context their operations run under.
type Gate struct {
	balances  nftcheck.BalanceSource
	fetcher   PostFetcher
	threshold *big.Int
	policy    FetchFailurePolicy
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a gate. A nil threshold means 1.
func New(cfg Config) *Gate {
	threshold := cfg.Threshold
	if threshold == nil {
		threshold = big.NewInt(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		balances:  cfg.Balances,
		fetcher:   cfg.Fetcher,
		threshold: new(big.Int).Set(threshold),
		policy:    cfg.Policy,
		timeout:   cfg.QueryTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close cancels every in-flight operation of every view.
func (g *Gate) Close() {
	g.cancel()
}

func (g *Gate) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	if g.timeout > 0 {
		return context.WithTimeout(parent, g.timeout)
	}
	return context.WithCancel(parent)
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// View is the gate state for a single page view. All fields are written
// only by the transition methods below, under mu.
type View struct {
	gate *Gate
	id   string

	mu       sync.Mutex
	account  common.Address
	state    State
	eligible bool // last accepted balance met the threshold
	posts    []posts.Post
	fetched  bool // a fetch result has been applied for the current unlock
	fetchErr error

	seq    uint64
	opCtx  context.Context
	cancel context.CancelFunc

	inflight int
	idle     chan struct{}
	lastSeen time.Time
}

// NewView creates a Locked view with no account.
func (g *Gate) NewView(id string) *View {
	return &View{
		gate:     g,
		id:       id,
		state:    Locked,
		idle:     closedChan,
		lastSeen: time.Now(),
	}
}

// ID returns the view identifier.
func (v *View) ID() string {
	return v.id
}

// Account returns the connected account, or the zero address.
func (v *View) Account() common.Address {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.account
}

// Connect sets the view's account. A changed account drops back to Locked
// immediately and starts a fresh balance query; the same account again is
// a no-op. The zero address disconnects.
func (v *View) Connect(account common.Address) {
	if account == (common.Address{}) {
		v.Disconnect()
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.account == account {
		return
	}
	v.account = account
	v.lock()
	v.startCheck()
}

// Recheck re-queries the balance for the current account without first
// resetting the state. Does nothing when no account is connected.
func (v *View) Recheck() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.account == (common.Address{}) {
		return
	}
	v.startCheck()
}

// Disconnect forgets the account, forces Locked and clears fetched posts.
// Results of operations issued before the call are discarded.
func (v *View) Disconnect() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.advance()
	if v.account != (common.Address{}) {
		log.Printf("[gate] view %s disconnected %s", v.id, v.account.Hex())
	}
	v.account = common.Address{}
	v.lock()
}

// lock moves to Locked and drops fetched content along with any fetch
// error. Caller holds mu.
func (v *View) lock() {
	v.state = Locked
	v.eligible = false
	v.posts = nil
	v.fetched = false
	v.fetchErr = nil
}

// advance invalidates every outstanding operation and returns the new
// sequence number with a fresh operation context. Caller holds mu.
func (v *View) advance() (uint64, context.Context) {
	if v.cancel != nil {
		v.cancel()
	}
	v.seq++
	v.opCtx, v.cancel = context.WithCancel(v.gate.ctx)
	return v.seq, v.opCtx
}

// begin and finish track in-flight operations for Wait. Caller holds mu.
func (v *View) begin() {
	if v.inflight == 0 {
		v.idle = make(chan struct{})
	}
	v.inflight++
}

func (v *View) finish() {
	v.inflight--
	if v.inflight == 0 {
		close(v.idle)
	}
}

func (v *View) done() {
	v.mu.Lock()
	v.finish()
	v.mu.Unlock()
}

// startCheck issues a balance query for the current account. Caller holds mu.
func (v *View) startCheck() {
	seq, parent := v.advance()
	account := v.account
	v.begin()

	go func() {
		defer v.done()
		ctx, cancel := v.gate.opContext(parent)
		defer cancel()

		balance, err := v.gate.balances.BalanceOf(ctx, account)
		v.applyBalance(seq, account, balance, err)
	}()
}

func (v *View) applyBalance(seq uint64, account common.Address, balance *big.Int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if seq != v.seq {
		log.Printf("[gate] view %s: dropping stale balance result for %s (seq %d, current %d)",
			v.id, account.Hex(), seq, v.seq)
		return
	}

	if err != nil {
		log.Printf("[gate] view %s: balance query failed for %s: %v (locked)", v.id, account.Hex(), err)
		v.lock()
		return
	}
	if balance == nil || balance.Cmp(v.gate.threshold) < 0 {
		v.lock()
		return
	}

	wasLocked := v.state == Locked
	v.state = Unlocked
	v.eligible = true
	if wasLocked {
		log.Printf("[gate] view %s unlocked for %s (balance=%s)", v.id, account.Hex(), balance)
	}
	if wasLocked || !v.fetched {
		v.fetchErr = nil
		v.startFetch(seq)
	}
}

// startFetch issues the content fetch under the current sequence number.
// Caller holds mu.
func (v *View) startFetch(seq uint64) {
	parent := v.opCtx
	v.begin()

	go func() {
		defer v.done()
		ctx, cancel := v.gate.opContext(parent)
		defer cancel()

		list, err := v.gate.fetcher.Fetch(ctx)
		v.applyPosts(seq, list, err)
	}()
}

func (v *View) applyPosts(seq uint64, list []posts.Post, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if seq != v.seq || v.state != Unlocked {
		log.Printf("[gate] view %s: dropping stale fetch result (seq %d, current %d)", v.id, seq, v.seq)
		return
	}

	v.fetched = true
	if err != nil {
		v.posts = nil
		v.fetchErr = err
		log.Printf("[gate] view %s: content fetch failed: %v (policy=%s)", v.id, err, v.gate.policy)
		if v.gate.policy == Relock {
			v.state = Locked
		}
		return
	}

	v.posts = make([]posts.Post, len(list))
	copy(v.posts, list)
	v.fetchErr = nil
}

// Snapshot is a read-only copy of a view's state for rendering.
type Snapshot struct {
	ID                string       `json:"id"`
	Account           string       `json:"account,omitempty"`
	Connected         bool         `json:"connected"`
	State             State        `json:"state"`
	Posts             []posts.Post `json:"posts"`
	Placeholder       bool         `json:"placeholder"`
	CheckoutAvailable bool         `json:"checkout_available"`
	FetchError        string       `json:"fetch_error,omitempty"`
	Pending           bool         `json:"pending"`
}

// Snapshot returns the current displayable state. Locked views always
// display the placeholder posts.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := Snapshot{
		ID:        v.id,
		Connected: v.account != (common.Address{}),
		State:     v.state,
		Pending:   v.inflight > 0,
	}
	if s.Connected {
		s.Account = v.account.Hex()
	}
	if v.fetchErr != nil {
		s.FetchError = v.fetchErr.Error()
	}

	if v.state == Locked {
		s.Posts = posts.Placeholders()
		s.Placeholder = true
		s.CheckoutAvailable = s.Connected && !v.eligible
	} else {
		s.Posts = make([]posts.Post, len(v.posts))
		copy(s.Posts, v.posts)
	}
	return s
}

// Wait blocks until the view has no operation in flight or ctx is done.
func (v *View) Wait(ctx context.Context) error {
	v.mu.Lock()
	idle := v.idle
	v.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *View) touch(now time.Time) {
	v.mu.Lock()
	v.lastSeen = now
	v.mu.Unlock()
}

func (v *View) idleSince(now time.Time) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return now.Sub(v.lastSeen)
}

// close cancels outstanding operations; their results will be discarded.
func (v *View) close() {
	v.mu.Lock()
	v.advance()
	v.mu.Unlock()
}
