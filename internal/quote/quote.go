// Package quote looks up current stock prices from an external
// IEX-style HTTP provider.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mbelyaev-dev/stockfolio/internal/domain/models"
)

// ErrNotFound reports that the provider does not know the symbol.
var ErrNotFound = errors.New("symbol not found")

// Provider is the lookup contract the portfolio engine depends on.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (*models.Quote, error)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func New(baseURL, token string, timeout time.Duration, rps int) *Client {
	st := gobreaker.Settings{Name: "quotes"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

type quoteResponse struct {
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"companyName"`
	LatestPrice decimal.Decimal `json:"latestPrice"`
}

// Lookup fetches the current quote for a symbol. Unknown symbols return
// ErrNotFound; any transport or provider fault is returned as-is and the
// caller decides how to surface it. The call is never retried.
func (c *Client) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	const op = "quote.Lookup"

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// An unknown symbol is a valid provider answer, not a provider
	// fault, so it must not trip the breaker.
	res, err := c.breaker.Execute(func() (any, error) {
		q, err := c.fetch(ctx, symbol)
		if errors.Is(err, ErrNotFound) {
			return (*models.Quote)(nil), nil
		}
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	q := res.(*models.Quote)
	if q == nil {
		return nil, ErrNotFound
	}
	return q, nil
}

func (c *Client) fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	u := fmt.Sprintf("%s/stable/stock/%s/quote?token=%s",
		c.baseURL, url.PathEscape(symbol), url.QueryEscape(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if body.Symbol == "" || body.LatestPrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNotFound
	}

	return &models.Quote{
		Symbol: body.Symbol,
		Name:   body.CompanyName,
		Price:  body.LatestPrice,
	}, nil
}
