package gift

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newFragmentServer(t *testing.T, found bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hash") != "h" {
			t.Errorf("missing hash parameter")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		var resp any
		switch r.PostForm.Get("method") {
		case "searchPremiumGiftRecipient":
			if r.PostForm.Get("query") != "alice" {
				t.Errorf("expected query without @, got %q", r.PostForm.Get("query"))
			}
			if found {
				resp = map[string]any{"ok": true, "found": map[string]any{"recipient": "rcpt-1", "name": "Alice"}}
			} else {
				resp = map[string]any{"ok": true, "error": "No Telegram users found."}
			}
		case "initGiftPremiumRequest":
			if r.PostForm.Get("recipient") != "rcpt-1" || r.PostForm.Get("months") != "3" {
				t.Errorf("unexpected init form %v", r.PostForm)
			}
			resp = map[string]any{"req_id": "req-42"}
		case "getGiftPremiumLink":
			if r.PostForm.Get("id") != "req-42" {
				t.Errorf("unexpected id %q", r.PostForm.Get("id"))
			}
			payload := base64.StdEncoding.EncodeToString([]byte("\x00\x00Telegram Premium for 3 months\n\nRef#98765"))
			resp = map[string]any{"ok": true, "transaction": map[string]any{
				"messages": []map[string]any{{"address": "EQDestination", "amount": "12500000000", "payload": payload}},
			}}
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestRequestDelivery(t *testing.T) {
	srv := newFragmentServer(t, true)
	defer srv.Close()

	f := NewFragment(FragmentConfig{BaseURL: srv.URL, Hash: "h"}, nil)
	d, err := f.RequestDelivery(context.Background(), "@alice", 3)
	if err != nil {
		t.Fatalf("RequestDelivery: %v", err)
	}
	if d.PaymentAddress != "EQDestination" || d.RequestRef != "req-42" {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if d.Amount.String() != "12.5" {
		t.Fatalf("expected 12.5 TON, got %s", d.Amount.String())
	}
	if d.Memo != "Telegram Premium for 3 months Ref#98765" {
		t.Fatalf("unexpected memo %q", d.Memo)
	}
}

func TestRequestDeliveryRecipientNotFound(t *testing.T) {
	srv := newFragmentServer(t, false)
	defer srv.Close()

	f := NewFragment(FragmentConfig{BaseURL: srv.URL, Hash: "h"}, nil)
	if _, err := f.RequestDelivery(context.Background(), "alice", 3); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
}

func TestMemoWithoutRef(t *testing.T) {
	if got := Memo(6, "not base64!"); got != "Telegram Premium for 6 months Ref#" {
		t.Fatalf("unexpected memo %q", got)
	}
}
