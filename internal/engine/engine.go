// Package engine implements the portfolio engine: derived holdings,
// quote lookups and the buy/sell operations over an append-only ledger.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mbelyaev-dev/stockfolio/internal/domain/models"
	"github.com/mbelyaev-dev/stockfolio/internal/metrics"
	"github.com/mbelyaev-dev/stockfolio/internal/quote"
	"github.com/mbelyaev-dev/stockfolio/internal/storage"
)

// Ledger is the durable store the engine runs over. Holdings returns
// only strictly positive net positions, symbol-ascending. ExecuteBuy
// and ExecuteSell apply the cash adjustment and the ledger append as
// one atomic unit and re-verify their guard (cash >= cost, holding >=
// shares) inside that unit, returning storage.ErrInsufficientFunds or
// storage.ErrInsufficientShares when a concurrent trade got there
// first.
type Ledger interface {
	CashBalance(ctx context.Context, userID int) (decimal.Decimal, error)
	Holdings(ctx context.Context, userID int) ([]models.Holding, error)
	HoldingFor(ctx context.Context, userID int, symbol string) (int64, error)
	Transactions(ctx context.Context, userID int) ([]models.Transaction, error)
	ExecuteBuy(ctx context.Context, userID int, symbol string, shares int64, price decimal.Decimal) error
	ExecuteSell(ctx context.Context, userID int, symbol string, shares int64, price decimal.Decimal) error
}

type Engine struct {
	ledger Ledger
	quotes quote.Provider
	log    *slog.Logger
}

func New(ledger Ledger, quotes quote.Provider, log *slog.Logger) *Engine {
	return &Engine{ledger: ledger, quotes: quotes, log: log}
}

// Position is one row of the portfolio view: a derived holding priced
// at the current quote.
type Position struct {
	Symbol string
	Name   string
	Shares int64
	Price  decimal.Decimal
	Value  decimal.Decimal
}

type PortfolioView struct {
	Positions  []Position
	Cash       decimal.Decimal
	StockValue decimal.Decimal
	Total      decimal.Decimal
}

// Portfolio prices every positive holding at its current quote. A
// lookup failure aborts the whole view; nothing is mutated, so the
// request can simply be retried.
func (e *Engine) Portfolio(ctx context.Context, userID int) (*PortfolioView, error) {
	holdings, err := e.ledger.Holdings(ctx, userID)
	if err != nil {
		return nil, internalError(err)
	}

	view := &PortfolioView{
		Positions:  make([]Position, 0, len(holdings)),
		StockValue: decimal.Zero,
	}

	for _, h := range holdings {
		q, err := e.quotes.Lookup(ctx, h.Symbol)
		if err != nil {
			return nil, newError(KindNotFound, "no quote for held symbol %s", h.Symbol)
		}
		value := q.Price.Mul(decimal.NewFromInt(h.Shares))
		view.Positions = append(view.Positions, Position{
			Symbol: h.Symbol,
			Name:   q.Name,
			Shares: h.Shares,
			Price:  q.Price,
			Value:  value,
		})
		view.StockValue = view.StockValue.Add(value)
	}

	cash, err := e.ledger.CashBalance(ctx, userID)
	if err != nil {
		return nil, internalError(err)
	}
	view.Cash = cash
	view.Total = cash.Add(view.StockValue)

	return view, nil
}

// Quote validates the symbol and delegates to the provider. Every
// provider failure, transport faults included, is reported as an
// unknown symbol.
func (e *Engine) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	if symbol == "" {
		return nil, newError(KindValidation, "symbol is blank")
	}

	q, err := e.quotes.Lookup(ctx, symbol)
	if err != nil {
		metrics.QuoteLookups.WithLabelValues("miss").Inc()
		return nil, newError(KindNotFound, "invalid symbol %s", symbol)
	}
	metrics.QuoteLookups.WithLabelValues("hit").Inc()

	return q, nil
}

// Buy purchases shares at the current quote. Validation happens fully
// before any mutation; on any failure the ledger and cash are
// untouched.
func (e *Engine) Buy(ctx context.Context, userID int, symbol string, shares int64) error {
	if symbol == "" {
		return newError(KindValidation, "symbol is blank")
	}

	q, err := e.quotes.Lookup(ctx, symbol)
	if err != nil {
		return newError(KindNotFound, "invalid symbol %s", symbol)
	}

	if shares < 1 {
		return newError(KindValidation, "share count must be positive")
	}

	cost := q.Price.Mul(decimal.NewFromInt(shares))

	cash, err := e.ledger.CashBalance(ctx, userID)
	if err != nil {
		return internalError(err)
	}
	if cost.GreaterThan(cash) {
		return newError(KindInsufficientFunds, "not enough cash: need %s, have %s", cost, cash)
	}

	// The store re-checks the cash guard inside its transaction; a
	// concurrent buy that drained the balance surfaces here the same
	// way the pre-check would have.
	if err := e.ledger.ExecuteBuy(ctx, userID, q.Symbol, shares, q.Price); err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			return newError(KindInsufficientFunds, "not enough cash: need %s", cost)
		}
		return internalError(err)
	}

	metrics.TradesExecuted.WithLabelValues("buy").Inc()
	e.log.Info("buy executed",
		slog.Int("user_id", userID),
		slog.String("symbol", q.Symbol),
		slog.Int64("shares", shares),
		slog.String("price", q.Price.String()),
	)

	return nil
}

// Sell sells shares the user currently holds. Holdings are validated
// before the quote is fetched; the price applied to the proceeds is the
// one observed after validation. That ordering is load-bearing for
// racing sells and must not be swapped.
func (e *Engine) Sell(ctx context.Context, userID int, symbol string, shares int64) error {
	if symbol == "" {
		return newError(KindValidation, "symbol is blank")
	}
	if shares < 1 {
		return newError(KindValidation, "share count must be positive")
	}

	held, err := e.ledger.HoldingFor(ctx, userID, symbol)
	if err != nil {
		return internalError(err)
	}
	if held < 1 {
		return newError(KindInsufficientHoldings, "you do not own %s", symbol)
	}
	if shares > held {
		return newError(KindInsufficientHoldings, "you only have %d shares of %s", held, symbol)
	}

	q, err := e.quotes.Lookup(ctx, symbol)
	if err != nil {
		return newError(KindNotFound, "invalid symbol %s", symbol)
	}

	if err := e.ledger.ExecuteSell(ctx, userID, q.Symbol, shares, q.Price); err != nil {
		if errors.Is(err, storage.ErrInsufficientShares) {
			return newError(KindInsufficientHoldings, "insufficient shares of %s", symbol)
		}
		return internalError(err)
	}

	metrics.TradesExecuted.WithLabelValues("sell").Inc()
	e.log.Info("sell executed",
		slog.Int("user_id", userID),
		slog.String("symbol", q.Symbol),
		slog.Int64("shares", shares),
		slog.String("price", q.Price.String()),
	)

	return nil
}

// History returns the user's full signed ledger, oldest first. Sold-out
// positions vanish from Portfolio but their rows stay here.
func (e *Engine) History(ctx context.Context, userID int) ([]models.Transaction, error) {
	txs, err := e.ledger.Transactions(ctx, userID)
	if err != nil {
		return nil, internalError(err)
	}
	return txs, nil
}
