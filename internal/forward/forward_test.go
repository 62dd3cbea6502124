package forward

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/execgate/execgate/internal/approval"
)

func TestWebhookPostsEvents(t *testing.T) {
	type received struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	var mu sync.Mutex
	var got []received

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec received
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			t.Errorf("decode failed: %v", err)
		}
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second)
	ctx := context.Background()

	err := wh.HandleRequested(ctx, approval.RequestedEvent{
		ID:      "abc",
		Request: approval.Request{Command: "ls"},
	})
	if err != nil {
		t.Fatalf("requested failed: %v", err)
	}

	d := approval.DecisionDeny
	if err := wh.HandleResolved(ctx, approval.ResolvedEvent{ID: "abc", Decision: &d}); err != nil {
		t.Fatalf("resolved failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].Type != "exec.approval.requested" || got[1].Type != "exec.approval.resolved" {
		t.Fatalf("unexpected event types: %s, %s", got[0].Type, got[1].Type)
	}
}

func TestWebhookReportsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second)
	if err := wh.HandleRequested(context.Background(), approval.RequestedEvent{ID: "x"}); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

type recordingForwarder struct {
	mu        sync.Mutex
	requested int
	resolved  int
	fail      bool
}

func (r *recordingForwarder) HandleRequested(context.Context, approval.RequestedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested++
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingForwarder) HandleResolved(context.Context, approval.ResolvedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved++
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func TestMultiDeliversPastFailures(t *testing.T) {
	failing := &recordingForwarder{fail: true}
	healthy := &recordingForwarder{}
	m := Multi{failing, healthy}

	if err := m.HandleRequested(context.Background(), approval.RequestedEvent{ID: "x"}); err != nil {
		t.Fatalf("multi must swallow individual failures: %v", err)
	}
	if err := m.HandleResolved(context.Background(), approval.ResolvedEvent{ID: "x"}); err != nil {
		t.Fatalf("multi must swallow individual failures: %v", err)
	}

	if healthy.requested != 1 || healthy.resolved != 1 {
		t.Fatal("healthy forwarder must still receive events")
	}
}

func TestParseDecisionCommand(t *testing.T) {
	cases := []struct {
		text     string
		id       string
		decision string
		ok       bool
	}{
		{"/approve ab12cd34", "ab12cd34", "allow-once", true},
		{"/approve ab12cd34 allow-always", "ab12cd34", "allow-always", true},
		{"/approve ab12cd34 allow-once", "ab12cd34", "allow-once", true},
		{"/Approve ab12cd34", "ab12cd34", "allow-once", true},
		{"/approve@execgate_bot ab12cd34", "ab12cd34", "allow-once", true},
		{"/deny ab12cd34", "ab12cd34", "deny", true},
		{"/approve ab12cd34 deny", "", "", false},
		{"/approve", "", "", false},
		{"hello there", "", "", false},
	}
	for _, c := range cases {
		id, decision, ok := ParseDecisionCommand(c.text)
		if id != c.id || decision != c.decision || ok != c.ok {
			t.Errorf("ParseDecisionCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.text, id, decision, ok, c.id, c.decision, c.ok)
		}
	}
}

// Channel posts have no From user; the poller must ignore them
// instead of dereferencing nil.
func TestTelegramIgnoresSenderlessMessages(t *testing.T) {
	tg := NewTelegram(TelegramConfig{AllowFrom: []string{"12345"}}, nil)
	tg.handleMessage(context.Background(), &tgbotapi.Message{Text: "/approve ab12cd34"})
}

func TestTelegramAllowList(t *testing.T) {
	tg := NewTelegram(TelegramConfig{AllowFrom: []string{"12345", "@alice"}}, nil)
	if !tg.isAllowed("12345", "") {
		t.Fatal("numeric id should be allowed")
	}
	if !tg.isAllowed("999", "alice") {
		t.Fatal("username should be allowed with @ stripped")
	}
	if tg.isAllowed("999", "mallory") {
		t.Fatal("unlisted sender must be rejected")
	}

	open := NewTelegram(TelegramConfig{}, nil)
	if !open.isAllowed("anyone", "") {
		t.Fatal("empty allow list permits everyone")
	}
}
