package activity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const samplePage = `[
  {"signature": "tx-2", "tokenMint": "mint-2", "seller": "s2", "price": 1.5, "blockTime": 1714600000},
  {"txId": "tx-1", "assetId": "mint-1", "seller": "s1", "price": "2", "priceInfo": {"settlementAmount": "2.25"}, "timestamp": "2024-05-01T10:00:00Z"},
  {"type": "list", "price": 9}
]`

func TestParseEvents(t *testing.T) {
	events, err := ParseEvents([]byte(samplePage))
	if err != nil {
		t.Fatalf("ParseEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	if events[0].TxID != "tx-2" || events[0].AssetID != "mint-2" || events[0].Timestamp != "1714600000" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if !events[0].Price.Valid || !events[0].Price.Decimal.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected price %+v", events[0].Price)
	}
	if events[0].SettlementAmount.Valid {
		t.Fatal("missing settlement amount must be null")
	}

	if events[1].TxID != "tx-1" || events[1].Seller != "s1" {
		t.Fatalf("unexpected second event %+v", events[1])
	}
	if !events[1].SettlementAmount.Decimal.Equal(decimal.RequireFromString("2.25")) {
		t.Fatalf("settlement amount not read: %+v", events[1].SettlementAmount)
	}
}

func TestParseEventsRejectsMalformed(t *testing.T) {
	for _, payload := range []string{`{"activities": `, `{"message": "x"}`} {
		if _, err := ParseEvents([]byte(payload)); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
	events, err := ParseEvents([]byte(`{"activities": []}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("wrapped empty list: %v %v", events, err)
	}
}

func TestHTTPFeedRecentActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/degods/activities" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("offset") != "100" || r.URL.Query().Get("limit") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("api key not forwarded")
		}
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	feed := NewHTTPFeed(HTTPOptions{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, zerolog.Nop())
	events, err := feed.RecentActivity(context.Background(), "degods", 100, 50)
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestHTTPFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message": "maintenance"}`))
	}))
	defer srv.Close()

	feed := NewHTTPFeed(HTTPOptions{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := feed.RecentActivity(context.Background(), "degods", 0, 10); err == nil {
		t.Fatal("expected api error")
	}
	if _, err := feed.RecentActivity(context.Background(), " ", 0, 10); err == nil {
		t.Fatal("blank collection should fail")
	}
	if _, err := NewHTTPFeed(HTTPOptions{}, zerolog.Nop()).RecentActivity(context.Background(), "degods", 0, 10); err == nil {
		t.Fatal("missing base url should fail")
	}
}
