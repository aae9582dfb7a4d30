package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// ---------- Filter ----------

func TestFilter_FlagsProhibitedTerm(t *testing.T) {
	f := NewFilter()

	v, err := f.Check(context.Background(), "hey, want some free crypto?", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected flagged verdict")
	}
	if v.Reason != "prohibited_term" {
		t.Errorf("expected prohibited_term reason, got %q", v.Reason)
	}
}

func TestFilter_MasksFlaggedTerm(t *testing.T) {
	f := NewFilter()

	v, _ := f.Check(context.Background(), "want some free crypto now", "alice")
	if strings.Contains(v.FilteredText, "free crypto") {
		t.Errorf("expected term masked, got %q", v.FilteredText)
	}
	if !strings.Contains(v.FilteredText, "***********") {
		t.Errorf("expected mask of term length, got %q", v.FilteredText)
	}
	// Untouched surroundings survive.
	if !strings.HasPrefix(v.FilteredText, "want some ") || !strings.HasSuffix(v.FilteredText, " now") {
		t.Errorf("expected surrounding text preserved, got %q", v.FilteredText)
	}
}

func TestFilter_CaseInsensitive(t *testing.T) {
	f := NewFilter()

	v, _ := f.Check(context.Background(), "FREE Crypto giveaway", "alice")
	if v.Allowed {
		t.Error("expected case-insensitive match to flag")
	}
}

func TestFilter_AllowsCleanText(t *testing.T) {
	f := NewFilter()

	v, err := f.Check(context.Background(), "hello, where are you from?", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Allowed {
		t.Fatalf("expected clean text allowed, got reason %q", v.Reason)
	}
	if v.FilteredText != "hello, where are you from?" {
		t.Errorf("expected text unchanged, got %q", v.FilteredText)
	}
}

func TestFilter_ExtraTerms(t *testing.T) {
	f := NewFilter("  Pineapple Pizza ", "", "   ")

	v, _ := f.Check(context.Background(), "I love pineapple pizza", "alice")
	if v.Allowed {
		t.Error("expected extra term to flag")
	}

	// Blank extras must not match everything.
	v, _ = f.Check(context.Background(), "hello", "alice")
	if !v.Allowed {
		t.Errorf("expected clean text allowed, got reason %q", v.Reason)
	}
}

// ---------- PermitAll ----------

func TestPermitAll(t *testing.T) {
	v, err := PermitAll{}.Check(context.Background(), "free crypto kys", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Allowed {
		t.Error("expected everything allowed")
	}
}

// ---------- Remote ----------

// fakeRequester replays a canned reply and records the outbound payload.
type fakeRequester struct {
	gotData []byte
	reply   []byte
	err     error
}

func (f *fakeRequester) RequestModeration(_ context.Context, data []byte) ([]byte, error) {
	f.gotData = data
	return f.reply, f.err
}

func TestRemote_RoundTrip(t *testing.T) {
	req := &fakeRequester{reply: []byte(`{"allowed":false,"reason":"prohibited_term"}`)}
	r := NewRemote(req)

	v, err := r.Check(context.Background(), "free crypto", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Allowed || v.Reason != "prohibited_term" {
		t.Errorf("expected worker verdict passed through, got %+v", v)
	}
	if !strings.Contains(string(req.gotData), `"sender_id":"alice"`) {
		t.Errorf("expected sender id in request, got %s", req.gotData)
	}
}

func TestRemote_TransportError(t *testing.T) {
	r := NewRemote(&fakeRequester{err: errors.New("nats: timeout")})

	if _, err := r.Check(context.Background(), "hello", "alice"); err == nil {
		t.Fatal("expected transport error surfaced")
	}
}

func TestRemote_BadReply(t *testing.T) {
	r := NewRemote(&fakeRequester{reply: []byte("not json")})

	if _, err := r.Check(context.Background(), "hello", "alice"); err == nil {
		t.Fatal("expected decode error surfaced")
	}
}
