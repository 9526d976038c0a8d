// Package transport provides the default HttpClient and
// StreamingClient implementations, kept outside the core packages so
// none of them import net/http or gorilla/websocket directly, per
// spec.md §6's external-interface boundary.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/shopspring/decimal"
	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/log"
	"github.com/thrasher-corp/obmirror/orderbook"
)

// RESTClient is the default HttpClient: plain net/http requests,
// self-throttled with golang.org/x/time/rate.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRESTClient returns a RESTClient hitting baseURL, self-throttled to
// at most ratePerSecond requests per second (burst equal to the rate).
func NewRESTClient(baseURL string, ratePerSecond float64) *RESTClient {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)),
	}
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// GetOrderbook implements the repair package's HttpClient interface.
func (c *RESTClient) GetOrderbook(ctx context.Context, symbol key.Symbol, limit int) (*orderbook.SnapshotResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/depth?symbol=%s&limit=%d", c.baseURL, url.QueryEscape(symbol.String()), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: get orderbook %s: unexpected status %d", symbol, resp.StatusCode)
	}

	var body depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("transport: decode depth response: %w", err)
	}

	bids, err := decodeLevels(body.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := decodeLevels(body.Asks)
	if err != nil {
		return nil, err
	}

	return &orderbook.SnapshotResponse{
		Symbol:       symbol,
		LastUpdateID: body.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func decodeLevels(raw [][]string) ([]orderbook.PriceQty, error) {
	out := make([]orderbook.PriceQty, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("transport: malformed price level %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("transport: parse price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("transport: parse quantity %q: %w", pair[1], err)
		}
		out = append(out, orderbook.PriceQty{Price: price, Quantity: qty})
	}
	return out, nil
}

// ListSymbols implements the repair package's HttpClient interface.
func (c *RESTClient) ListSymbols(ctx context.Context, useCache, checkStatus bool) ([]key.Symbol, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + "/exchangeInfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: list symbols: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("transport: decode exchange info: %w", err)
	}

	out := make([]key.Symbol, 0, len(body.Symbols))
	for _, s := range body.Symbols {
		if checkStatus && s.Status != "" && s.Status != "TRADING" {
			continue
		}
		out = append(out, key.NewSymbol(s.Symbol))
	}
	log.Debugf(log.TransportMgr, "listed %d symbols (checkStatus=%s)", len(out), strconv.FormatBool(checkStatus))
	return out, nil
}
