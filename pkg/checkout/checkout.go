// Package checkout hands visitors without the membership token off to the
// external purchase flow.
package checkout

import (
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/maybehotcarl/gatedblog/pkg/gate"
)

var (
	ErrNotConnected = errors.New("connect a wallet before buying")
	ErrUnlocked     = errors.New("account already holds the membership token")
)

// Handoff is what the external checkout renderer receives.
type Handoff struct {
	CheckoutLinkURL string `json:"checkoutLinkUrl"`
}

// Trigger exposes the purchase action for locked, connected views.
type Trigger struct {
	link string
}

// NewTrigger validates the shareable checkout link.
func NewTrigger(link string) (*Trigger, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("parsing shareable link: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("shareable link %q must be an absolute http(s) URL", link)
	}
	return &Trigger{link: link}, nil
}

// Handoff returns the checkout configuration for a view. The outcome of the
// checkout itself is not tracked.
func (t *Trigger) Handoff(s gate.Snapshot) (Handoff, error) {
	if !s.Connected {
		return Handoff{}, ErrNotConnected
	}
	if !s.CheckoutAvailable {
		return Handoff{}, ErrUnlocked
	}
	log.Printf("[checkout] Handing off %s to %s", s.Account, t.link)
	return Handoff{CheckoutLinkURL: t.link}, nil
}
