package prices

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/pricewatch/internal/httputil"
	"github.com/R3E-Network/pricewatch/pkg/logger"
)

// ErrTerminal marks failures that retrying will not fix: client errors,
// unknown items and malformed payloads.
var ErrTerminal = errors.New("terminal price fetch error")

// Fetcher retrieves the current price of an item in a region.
type Fetcher interface {
	Fetch(ctx context.Context, itemID int64, region string) (Quote, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, itemID int64, region string) (Quote, error)

func (f FetcherFunc) Fetch(ctx context.Context, itemID int64, region string) (Quote, error) {
	if f == nil {
		return Quote{}, fmt.Errorf("%w: no fetcher configured", ErrTerminal)
	}
	return f(ctx, itemID, region)
}

// HTTPFetcher reads prices from a storefront appdetails-style endpoint:
// GET <url>?appids=<id>&cc=<region>&filters=price_overview
type HTTPFetcher struct {
	client  *httputil.Client
	baseURL string
	log     *logger.Logger
	now     func() time.Time
}

// NewHTTPFetcher validates baseURL and returns a fetcher using client.
func NewHTTPFetcher(client *httputil.Client, baseURL string, log *logger.Logger) (*HTTPFetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid price api url %q", baseURL)
	}
	if log == nil {
		log = logger.NewDefault("prices-fetcher")
	}
	return &HTTPFetcher{client: client, baseURL: parsed.String(), log: log, now: time.Now}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, itemID int64, region string) (Quote, error) {
	region = strings.ToLower(strings.TrimSpace(region))
	id := strconv.FormatInt(itemID, 10)

	resp, err := f.client.Fetch(ctx, f.baseURL, url.Values{
		"appids":  {id},
		"cc":      {region},
		"filters": {"price_overview"},
	}, map[string]string{"Accept": "application/json"}, httputil.FetchOptions{})
	if err != nil {
		return Quote{}, err
	}
	switch {
	case resp.StatusCode >= 500:
		return Quote{}, fmt.Errorf("price api status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Quote{}, fmt.Errorf("%w: price api status %d", ErrTerminal, resp.StatusCode)
	case resp.StatusCode != 200:
		return Quote{}, fmt.Errorf("%w: unexpected status %d", ErrTerminal, resp.StatusCode)
	}

	quote, err := parseQuote(resp.Body, id, region)
	if err != nil {
		return Quote{}, err
	}
	quote.ItemID = itemID
	quote.FetchedAt = f.now().UTC()
	return quote, nil
}

func parseQuote(body []byte, id, region string) (Quote, error) {
	if !gjson.ValidBytes(body) {
		return Quote{}, fmt.Errorf("%w: malformed payload", ErrTerminal)
	}
	app := gjson.GetBytes(body, id)
	if !app.Exists() || !app.Get("success").Bool() {
		return Quote{}, fmt.Errorf("%w: item %s not found or unavailable", ErrTerminal, id)
	}

	data := app.Get("data")
	quote := Quote{Region: region, Name: data.Get("name").String()}
	if data.Get("is_free").Bool() {
		quote.IsFree = true
		return quote, nil
	}

	overview := data.Get("price_overview")
	if !overview.IsObject() {
		return Quote{}, fmt.Errorf("%w: item %s has no price data", ErrTerminal, id)
	}
	final, initial, discount := overview.Get("final"), overview.Get("initial"), overview.Get("discount_percent")
	if final.Type != gjson.Number || (initial.Exists() && initial.Type != gjson.Number) {
		return Quote{}, fmt.Errorf("%w: item %s price fields are not numeric", ErrTerminal, id)
	}

	quote.FinalPrice = final.Int()
	quote.InitialPrice = initial.Int()
	if !initial.Exists() {
		quote.InitialPrice = quote.FinalPrice
	}
	quote.DiscountPercent = int(discount.Int())
	quote.Currency = overview.Get("currency").String()
	if quote.Currency == "" {
		quote.Currency = "USD"
	}
	if quote.DiscountPercent < 0 || quote.DiscountPercent > 100 || quote.FinalPrice < 0 || quote.InitialPrice < 0 {
		return Quote{}, fmt.Errorf("%w: item %s price fields out of range", ErrTerminal, id)
	}
	return quote, nil
}
