package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbelyaev-dev/stockfolio/internal/config"
	"github.com/mbelyaev-dev/stockfolio/internal/domain/models"
	"github.com/mbelyaev-dev/stockfolio/internal/engine"
	"github.com/mbelyaev-dev/stockfolio/internal/lib/jwt"
	"github.com/mbelyaev-dev/stockfolio/internal/storage"
)

// ========================================================
// Fake user storage for the auth handlers
// ========================================================

type FakeUserStorage struct {
	users  map[string]*models.User
	nextID int
}

func NewFakeUserStorage() *FakeUserStorage {
	return &FakeUserStorage{
		users:  make(map[string]*models.User),
		nextID: 1,
	}
}

func (fs *FakeUserStorage) SaveUser(ctx context.Context, username string, passHash []byte) (int, error) {
	if _, ok := fs.users[username]; ok {
		return 0, storage.ErrUserExists
	}
	id := fs.nextID
	fs.nextID++
	fs.users[username] = &models.User{
		ID:           id,
		Username:     username,
		PasswordHash: string(passHash),
		Cash:         decimal.NewFromInt(10000),
	}
	return id, nil
}

func (fs *FakeUserStorage) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	if user, ok := fs.users[username]; ok {
		return user, nil
	}
	return nil, storage.ErrUserNotFound
}

// ========================================================
// Fake ledger + quote provider behind the engine
// ========================================================

type FakeLedger struct {
	mu   sync.Mutex
	cash map[int]decimal.Decimal
	rows []models.Transaction
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{cash: make(map[int]decimal.Decimal)}
}

func (fl *FakeLedger) CashBalance(ctx context.Context, userID int) (decimal.Decimal, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.cash[userID], nil
}

func (fl *FakeLedger) holdingLocked(userID int, symbol string) int64 {
	var sum int64
	for _, t := range fl.rows {
		if t.UserID == userID && t.Symbol == symbol {
			sum += t.Shares
		}
	}
	return sum
}

func (fl *FakeLedger) Holdings(ctx context.Context, userID int) ([]models.Holding, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	sums := make(map[string]int64)
	var order []string
	for _, t := range fl.rows {
		if t.UserID != userID {
			continue
		}
		if _, seen := sums[t.Symbol]; !seen {
			order = append(order, t.Symbol)
		}
		sums[t.Symbol] += t.Shares
	}

	var holdings []models.Holding
	for _, symbol := range order {
		if sums[symbol] > 0 {
			holdings = append(holdings, models.Holding{Symbol: symbol, Shares: sums[symbol]})
		}
	}
	return holdings, nil
}

func (fl *FakeLedger) HoldingFor(ctx context.Context, userID int, symbol string) (int64, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.holdingLocked(userID, symbol), nil
}

func (fl *FakeLedger) Transactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	var txs []models.Transaction
	for _, t := range fl.rows {
		if t.UserID == userID {
			txs = append(txs, t)
		}
	}
	return txs, nil
}

func (fl *FakeLedger) ExecuteBuy(ctx context.Context, userID int, symbol string, shares int64, price decimal.Decimal) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	cost := price.Mul(decimal.NewFromInt(shares))
	if fl.cash[userID].LessThan(cost) {
		return storage.ErrInsufficientFunds
	}
	fl.cash[userID] = fl.cash[userID].Sub(cost)
	fl.rows = append(fl.rows, models.Transaction{UserID: userID, Symbol: symbol, Shares: shares, Price: price, Transacted: time.Now()})
	return nil
}

func (fl *FakeLedger) ExecuteSell(ctx context.Context, userID int, symbol string, shares int64, price decimal.Decimal) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.holdingLocked(userID, symbol) < shares {
		return storage.ErrInsufficientShares
	}
	fl.cash[userID] = fl.cash[userID].Add(price.Mul(decimal.NewFromInt(shares)))
	fl.rows = append(fl.rows, models.Transaction{UserID: userID, Symbol: symbol, Shares: -shares, Price: price, Transacted: time.Now()})
	return nil
}

var errUnknownSymbol = errors.New("unknown symbol")

type FakeQuoteProvider struct {
	quotes map[string]*models.Quote
}

func (fp *FakeQuoteProvider) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	if q, ok := fp.quotes[symbol]; ok {
		return q, nil
	}
	return nil, errUnknownSymbol
}

// ========================================================
// Helpers
// ========================================================

func newTestServer(users UserStorage, ledger engine.Ledger, quotes map[string]*models.Quote) *APIServer {
	cfg := &config.Config{ApiHost: "localhost", ApiPort: 8080}
	cfg.Auth.TokenTTL = 24 * time.Hour
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(ledger, &FakeQuoteProvider{quotes: quotes}, logger)
	return New(cfg, logger, users, eng, []byte("secret"))
}

func authToken(t *testing.T, userID int, username string) string {
	t.Helper()
	token, err := jwt.NewToken(&models.User{ID: userID, Username: username}, "secret", 24*time.Hour)
	require.NoError(t, err)
	return token
}

func defaultQuotes() map[string]*models.Quote {
	return map[string]*models.Quote{
		"AAPL": {Symbol: "AAPL", Name: "Apple Inc", Price: decimal.RequireFromString("10.00")},
		"NFLX": {Symbol: "NFLX", Name: "Netflix Inc", Price: decimal.RequireFromString("25.00")},
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

// ========================================================
// Tests for registration and login
// ========================================================

func TestRegisterHandler(t *testing.T) {
	users := NewFakeUserStorage()
	s := newTestServer(users, NewFakeLedger(), defaultQuotes())

	req := httptest.NewRequest("POST", "/api/register", jsonBody(t, map[string]string{
		"username": "newuser", "password": "password", "confirmation": "password",
	}))
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.registerHandler()).ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)

	saved, err := users.UserByUsername(context.Background(), "newuser")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(saved.PasswordHash), []byte("password")))
}

func TestRegisterHandlerValidation(t *testing.T) {
	users := NewFakeUserStorage()
	s := newTestServer(users, NewFakeLedger(), defaultQuotes())

	cases := []struct {
		name string
		body map[string]string
	}{
		{"blank username", map[string]string{"username": "", "password": "p", "confirmation": "p"}},
		{"blank password", map[string]string{"username": "u", "password": "", "confirmation": "p"}},
		{"blank confirmation", map[string]string{"username": "u", "password": "p", "confirmation": ""}},
		{"mismatch", map[string]string{"username": "u", "password": "p1", "confirmation": "p2"}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/api/register", jsonBody(t, tc.body))
		rr := httptest.NewRecorder()
		http.HandlerFunc(s.registerHandler()).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, tc.name)
	}
}

func TestRegisterHandlerDuplicateUsername(t *testing.T) {
	users := NewFakeUserStorage()
	s := newTestServer(users, NewFakeLedger(), defaultQuotes())

	body := map[string]string{"username": "taken", "password": "p", "confirmation": "p"}

	req := httptest.NewRequest("POST", "/api/register", jsonBody(t, body))
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.registerHandler()).ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	req = httptest.NewRequest("POST", "/api/register", jsonBody(t, body))
	rr = httptest.NewRecorder()
	http.HandlerFunc(s.registerHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginHandler(t *testing.T) {
	users := NewFakeUserStorage()
	hashed, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	require.NoError(t, err)
	users.users["existing"] = &models.User{ID: 1, Username: "existing", PasswordHash: string(hashed)}

	s := newTestServer(users, NewFakeLedger(), defaultQuotes())

	req := httptest.NewRequest("POST", "/api/login", jsonBody(t, map[string]string{
		"username": "existing", "password": "password",
	}))
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.loginHandler()).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp LoginResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)

	claims, err := jwt.ParseToken(resp.Token, "secret")
	require.NoError(t, err)
	assert.Equal(t, 1, claims.UserID)
	assert.Equal(t, "existing", claims.Username)

	req = httptest.NewRequest("POST", "/api/login", jsonBody(t, map[string]string{
		"username": "existing", "password": "wrongpassword",
	}))
	rr = httptest.NewRecorder()
	http.HandlerFunc(s.loginHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest("POST", "/api/login", jsonBody(t, map[string]string{
		"username": "ghost", "password": "password",
	}))
	rr = httptest.NewRecorder()
	http.HandlerFunc(s.loginHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// ========================================================
// Tests for the authenticate middleware
// ========================================================

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	s := newTestServer(NewFakeUserStorage(), NewFakeLedger(), defaultQuotes())

	req := httptest.NewRequest("GET", "/api/portfolio", nil)
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.portfolioHandler())).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest("GET", "/api/portfolio", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr = httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.portfolioHandler())).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// ========================================================
// Tests for trade handlers
// ========================================================

func TestBuyHandler(t *testing.T) {
	ledger := NewFakeLedger()
	ledger.cash[1] = decimal.RequireFromString("100.00")
	s := newTestServer(NewFakeUserStorage(), ledger, defaultQuotes())
	token := authToken(t, 1, "buyer")

	req := httptest.NewRequest("POST", "/api/buy", jsonBody(t, map[string]string{
		"symbol": "aapl", "shares": "5",
	}))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.buyHandler())).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	cash, _ := ledger.CashBalance(context.Background(), 1)
	assert.True(t, cash.Equal(decimal.RequireFromString("50.00")))
	held, _ := ledger.HoldingFor(context.Background(), 1, "AAPL")
	assert.Equal(t, int64(5), held)
}

func TestBuyHandlerInsufficientFunds(t *testing.T) {
	ledger := NewFakeLedger()
	ledger.cash[1] = decimal.RequireFromString("100.00")
	s := newTestServer(NewFakeUserStorage(), ledger, defaultQuotes())
	token := authToken(t, 1, "buyer")

	req := httptest.NewRequest("POST", "/api/buy", jsonBody(t, map[string]string{
		"symbol": "NFLX", "shares": "5",
	}))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.buyHandler())).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusPaymentRequired, rr.Code)

	cash, _ := ledger.CashBalance(context.Background(), 1)
	assert.True(t, cash.Equal(decimal.RequireFromString("100.00")), "rejected buy must not touch cash")
	txs, _ := ledger.Transactions(context.Background(), 1)
	assert.Empty(t, txs)
}

func TestBuyHandlerBadShares(t *testing.T) {
	ledger := NewFakeLedger()
	ledger.cash[1] = decimal.RequireFromString("100.00")
	s := newTestServer(NewFakeUserStorage(), ledger, defaultQuotes())
	token := authToken(t, 1, "buyer")

	for _, shares := range []string{"", "abc", "1.5", "0", "-2"} {
		req := httptest.NewRequest("POST", "/api/buy", jsonBody(t, map[string]string{
			"symbol": "AAPL", "shares": shares,
		}))
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		http.HandlerFunc(s.authenticate(s.buyHandler())).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "shares=%q", shares)
	}
}

func TestBuyHandlerUnknownSymbol(t *testing.T) {
	ledger := NewFakeLedger()
	ledger.cash[1] = decimal.RequireFromString("100.00")
	s := newTestServer(NewFakeUserStorage(), ledger, defaultQuotes())
	token := authToken(t, 1, "buyer")

	req := httptest.NewRequest("POST", "/api/buy", jsonBody(t, map[string]string{
		"symbol": "NOPE", "shares": "1",
	}))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.buyHandler())).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSellHandlerInsufficientHoldings(t *testing.T) {
	ledger := NewFakeLedger()
	ledger.cash[1] = decimal.RequireFromString("100.00")
	s := newTestServer(NewFakeUserStorage(), ledger, defaultQuotes())
	token := authToken(t, 1, "seller")

	req := httptest.NewRequest("POST", "/api/sell", jsonBody(t, map[string]string{
		"symbol": "AAPL", "shares": "1",
	}))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.sellHandler())).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// ========================================================
// Tests for portfolio, quote and history handlers
// ========================================================

func TestPortfolioHandler(t *testing.T) {
	ledger := NewFakeLedger()
	ledger.cash[1] = decimal.RequireFromString("100.00")
	require.NoError(t, ledger.ExecuteBuy(context.Background(), 1, "AAPL", 5, decimal.RequireFromString("10.00")))

	s := newTestServer(NewFakeUserStorage(), ledger, defaultQuotes())
	token := authToken(t, 1, "holder")

	req := httptest.NewRequest("GET", "/api/portfolio", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.portfolioHandler())).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp PortfolioResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Positions, 1)
	assert.Equal(t, "AAPL", resp.Positions[0].Symbol)
	assert.Equal(t, int64(5), resp.Positions[0].Shares)
	assert.Equal(t, "$50.00", resp.Positions[0].ValueDisplay)
	assert.Equal(t, "50.00", resp.Cash)
	assert.Equal(t, "100.00", resp.Total)
}

func TestQuoteHandler(t *testing.T) {
	s := newTestServer(NewFakeUserStorage(), NewFakeLedger(), defaultQuotes())
	token := authToken(t, 1, "viewer")

	req := httptest.NewRequest("GET", "/api/quote/aapl", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req = mux.SetURLVars(req, map[string]string{"symbol": "aapl"})
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.quoteHandler())).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp QuoteResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "AAPL", resp.Symbol)
	assert.Equal(t, "Apple Inc", resp.Name)
	assert.Equal(t, "$10.00", resp.PriceDisplay)
}

func TestQuoteHandlerUnknownSymbol(t *testing.T) {
	s := newTestServer(NewFakeUserStorage(), NewFakeLedger(), defaultQuotes())
	token := authToken(t, 1, "viewer")

	req := httptest.NewRequest("GET", "/api/quote/nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req = mux.SetURLVars(req, map[string]string{"symbol": "nope"})
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.quoteHandler())).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHistoryHandlerKeepsSoldOutRows(t *testing.T) {
	ledger := NewFakeLedger()
	ledger.cash[1] = decimal.RequireFromString("100.00")
	price := decimal.RequireFromString("10.00")
	require.NoError(t, ledger.ExecuteBuy(context.Background(), 1, "AAPL", 5, price))
	require.NoError(t, ledger.ExecuteSell(context.Background(), 1, "AAPL", 5, price))

	s := newTestServer(NewFakeUserStorage(), ledger, defaultQuotes())
	token := authToken(t, 1, "trader")

	req := httptest.NewRequest("GET", "/api/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	http.HandlerFunc(s.authenticate(s.historyHandler())).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var rows []HistoryRow
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rows))
	require.Len(t, rows, 2)
	assert.Equal(t, int64(5), rows[0].Shares)
	assert.Equal(t, int64(-5), rows[1].Shares)
}
