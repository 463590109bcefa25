// Package activity reads recent marketplace events for a collection.
package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const maxPayloadBytes = 4 << 20

var (
	txIDFields       = []string{"signature", "txId", "txHash"}
	assetIDFields    = []string{"tokenMint", "assetId", "tokenId"}
	sellerFields     = []string{"seller", "sellerAddress"}
	priceFields      = []string{"price", "amount"}
	settlementFields = []string{"settlementAmount", "priceInfo.settlementAmount", "priceInfo.solPrice.rawAmount"}
	timestampFields  = []string{"blockTime", "timestamp", "createdAt"}
)

// Event is one marketplace activity entry.
type Event struct {
	TxID             string
	AssetID          string
	Seller           string
	Price            decimal.NullDecimal
	SettlementAmount decimal.NullDecimal
	Timestamp        string
}

// Feed lists recent activity, newest first.
type Feed interface {
	RecentActivity(ctx context.Context, collection string, offset, limit int) ([]Event, error)
}

// HTTPOptions parameterise the marketplace REST feed.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// HTTPFeed queries GET {base}/collections/{collection}/activities.
type HTTPFeed struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPFeed constructs the marketplace activity feed.
func NewHTTPFeed(opts HTTPOptions, logger zerolog.Logger) *HTTPFeed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFeed{
		opts:    opts,
		logger:  logger.With().Str("component", "activity_feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// RecentActivity fetches one page of collection activity.
func (f *HTTPFeed) RecentActivity(ctx context.Context, collection string, offset, limit int) ([]Event, error) {
	if f.baseURL == "" {
		return nil, errors.New("activity feed base url not configured")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, errors.New("collection required")
	}

	params := url.Values{}
	params.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/collections/%s/activities?%s", f.baseURL, url.PathEscape(collection), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if key := strings.TrimSpace(f.opts.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if msg := gjson.GetBytes(payload, "message").String(); msg != "" {
			return nil, fmt.Errorf("activity api error (%d): %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("activity api error (%d)", resp.StatusCode)
	}

	events, err := ParseEvents(payload)
	if err != nil {
		return nil, err
	}
	f.logger.Debug().Str("collection", collection).Int("offset", offset).Int("events", len(events)).Msg("activity page fetched")
	return events, nil
}

// ParseEvents decodes a JSON array of activity entries, keeping feed order.
// Entries without a transaction or asset id are dropped.
func ParseEvents(payload []byte) ([]Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, errors.New("malformed activity payload")
	}
	root := gjson.ParseBytes(payload)
	if !root.IsArray() {
		root = root.Get("activities")
	}
	if !root.IsArray() {
		return nil, errors.New("activity payload is not a list")
	}

	events := make([]Event, 0)
	root.ForEach(func(_, item gjson.Result) bool {
		ev := Event{
			TxID:             first(item, txIDFields).String(),
			AssetID:          first(item, assetIDFields).String(),
			Seller:           first(item, sellerFields).String(),
			Price:            decimalField(first(item, priceFields)),
			SettlementAmount: decimalField(first(item, settlementFields)),
			Timestamp:        first(item, timestampFields).String(),
		}
		if ev.TxID == "" && ev.AssetID == "" {
			return true
		}
		events = append(events, ev)
		return true
	})
	return events, nil
}

func first(item gjson.Result, paths []string) gjson.Result {
	for _, p := range paths {
		if res := item.Get(p); res.Exists() && res.Type != gjson.Null {
			return res
		}
	}
	return gjson.Result{}
}

func decimalField(res gjson.Result) decimal.NullDecimal {
	var raw string
	switch res.Type {
	case gjson.Number:
		raw = res.Raw
	case gjson.String:
		raw = strings.TrimSpace(res.Str)
	default:
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

var _ Feed = (*HTTPFeed)(nil)
