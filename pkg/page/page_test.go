package page

import (
	"bytes"
	"strings"
	"testing"

	"github.com/maybehotcarl/gatedblog/pkg/gate"
	"github.com/maybehotcarl/gatedblog/pkg/posts"
)

func render(t *testing.T, s gate.Snapshot) string {
	t.Helper()
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	var buf bytes.Buffer
	if err := r.Render(&buf, NewData(s, "client-123", 80001)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	return buf.String()
}

func TestRenderLockedConnected(t *testing.T) {
	out := render(t, gate.Snapshot{
		Account:           "0xABC",
		Connected:         true,
		State:             gate.Locked,
		Posts:             posts.Placeholders(),
		Placeholder:       true,
		CheckoutAvailable: true,
	})

	for _, want := range []string{
		`data-client-id="client-123"`,
		`class="locked"`,
		`action="/checkout"`,
		"Lorem Ipsum Dolor Sit Amet",
		`id="disconnect"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRenderDisconnected(t *testing.T) {
	out := render(t, gate.Snapshot{State: gate.Locked, Posts: posts.Placeholders(), Placeholder: true})

	if !strings.Contains(out, `id="connect"`) {
		t.Error("expected connect button")
	}
	if strings.Contains(out, `action="/checkout"`) {
		t.Error("checkout must not be offered without a wallet")
	}
}

func TestRenderUnlocked(t *testing.T) {
	out := render(t, gate.Snapshot{
		Connected: true,
		Account:   "0xABC",
		State:     gate.Unlocked,
		Posts:     []posts.Post{{Title: "Members only", Description: "**bold** text"}},
	})

	if !strings.Contains(out, `class="unlocked"`) {
		t.Error("expected unlocked section")
	}
	if !strings.Contains(out, "<strong>bold</strong>") {
		t.Error("expected markdown to be rendered")
	}
	if strings.Contains(out, `action="/checkout"`) {
		t.Error("checkout must not be offered to holders")
	}
}

func TestRenderFetchError(t *testing.T) {
	out := render(t, gate.Snapshot{Connected: true, State: gate.Unlocked, FetchError: "status 502"})

	if !strings.Contains(out, "Posts could not be loaded: status 502") {
		t.Error("expected fetch error notice")
	}
	if strings.Contains(out, "No posts yet.") {
		t.Error("fetch failure should not read as an empty list")
	}
}

func TestMarkdownSanitises(t *testing.T) {
	got := string(Markdown("hello <script>alert(1)</script> [x](javascript:alert(1))"))
	if strings.Contains(got, "<script>") || strings.Contains(got, "javascript:") {
		t.Errorf("unsafe markup survived: %s", got)
	}
	if !strings.Contains(got, "hello") {
		t.Errorf("text lost: %s", got)
	}
}
