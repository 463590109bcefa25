package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const maxPayloadBytes = 1 << 20

// HTTPOptions parameterise the HTTP market-cap lookup.
type HTTPOptions struct {
	BaseURL           string
	MarketCapPath     string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
}

// HTTPLookup queries GET {base}/tokens/{assetID} and reads the market cap
// from the configured JSON path.
type HTTPLookup struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewHTTPLookup constructs an HTTP lookup.
func NewHTTPLookup(opts HTTPOptions, logger zerolog.Logger) *HTTPLookup {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.MarketCapPath == "" {
		opts.MarketCapPath = "marketCapUsd"
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &HTTPLookup{
		opts:    opts,
		logger:  logger.With().Str("component", "market_data_http").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchOnce performs one lookup.
func (h *HTTPLookup) FetchOnce(ctx context.Context, assetID string) (decimal.Decimal, error) {
	if h.baseURL == "" {
		return decimal.Decimal{}, errors.New("market data base url not configured")
	}
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return decimal.Decimal{}, errors.New("asset id required")
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return decimal.Decimal{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	endpoint := h.baseURL + "/tokens/" + url.PathEscape(assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ledgerd/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return decimal.Decimal{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, parseHTTPError(resp.StatusCode, payload)
	}

	return ParseMarketCap(payload, h.opts.MarketCapPath)
}

// ParseMarketCap extracts a non-negative market cap at path from a JSON payload.
// Numbers and numeric strings are both accepted.
func ParseMarketCap(payload []byte, path string) (decimal.Decimal, error) {
	if !gjson.ValidBytes(payload) {
		return decimal.Decimal{}, errors.New("malformed market data payload")
	}

	res := gjson.GetBytes(payload, path)
	if !res.Exists() || res.Type == gjson.Null {
		return decimal.Decimal{}, fmt.Errorf("%w: %s missing", ErrUnavailable, path)
	}

	var raw string
	switch res.Type {
	case gjson.Number:
		raw = res.Raw
	case gjson.String:
		raw = strings.TrimSpace(res.Str)
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected %s type %s", path, res.Type)
	}

	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse market cap: %w", err)
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative market cap %s", value)
	}
	return value, nil
}

func parseHTTPError(status int, payload []byte) error {
	for _, field := range []string{"error", "message", "description"} {
		if msg := gjson.GetBytes(payload, field).String(); msg != "" {
			return fmt.Errorf("market data api error (%d): %s", status, msg)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("market data api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("market data api error (%d)", status)
}

var _ Lookup = (*HTTPLookup)(nil)
