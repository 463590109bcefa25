package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestHTTPLookupMissingConfig(t *testing.T) {
	h := NewHTTPLookup(HTTPOptions{}, noopLogger())
	if _, err := h.FetchOnce(context.Background(), "ca1"); err == nil {
		t.Fatal("missing base url should fail")
	}

	h = NewHTTPLookup(HTTPOptions{BaseURL: "http://localhost"}, noopLogger())
	if _, err := h.FetchOnce(context.Background(), "  "); err == nil {
		t.Fatal("blank asset id should fail")
	}
}

func TestHTTPLookupSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokens/ca1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("User-Agent") != "test" {
			t.Errorf("user agent not forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"marketCapUsd": 1234567.89})
	}))
	defer srv.Close()

	h := NewHTTPLookup(HTTPOptions{BaseURL: srv.URL + "/", Timeout: time.Second, UserAgent: "test", RequestsPerSecond: 100, Burst: 1}, noopLogger())
	got, err := h.FetchOnce(context.Background(), "ca1")
	if err != nil {
		t.Fatalf("FetchOnce: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("1234567.89")) {
		t.Fatalf("unexpected market cap %s", got)
	}
}

func TestHTTPLookupHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "slow down"})
	}))
	defer srv.Close()

	h := NewHTTPLookup(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := h.FetchOnce(context.Background(), "ca1")
	if err == nil || !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestParseMarketCap(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		path    string
		want    string
		wantErr bool
	}{
		{name: "number", payload: `{"marketCapUsd": 1000}`, path: "marketCapUsd", want: "1000"},
		{name: "string", payload: `{"marketCapUsd": " 2500.5 "}`, path: "marketCapUsd", want: "2500.5"},
		{name: "nested", payload: `[{"marketCap": 77}]`, path: "0.marketCap", want: "77"},
		{name: "missing", payload: `{"price": 1}`, path: "marketCapUsd", wantErr: true},
		{name: "null", payload: `{"marketCapUsd": null}`, path: "marketCapUsd", wantErr: true},
		{name: "malformed", payload: `{"marketCapUsd": `, path: "marketCapUsd", wantErr: true},
		{name: "negative", payload: `{"marketCapUsd": -5}`, path: "marketCapUsd", wantErr: true},
		{name: "garbage string", payload: `{"marketCapUsd": "n/a"}`, path: "marketCapUsd", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseMarketCap([]byte(tc.payload), tc.path)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestFetcherOverHTTPRetriesServerErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"marketCapUsd": "900"}`))
	}))
	defer srv.Close()

	lookup := NewHTTPLookup(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	f := NewFetcher(lookup, RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, noopLogger())

	got := f.FetchMarketCap(context.Background(), "ca9")
	if !got.Valid || !got.Decimal.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("unexpected value %+v", got)
	}
	if hits != 2 {
		t.Fatalf("expected 2 requests, got %d", hits)
	}
}
