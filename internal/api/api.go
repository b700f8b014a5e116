package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbelyaev-dev/stockfolio/internal/config"
	"github.com/mbelyaev-dev/stockfolio/internal/domain/models"
	"github.com/mbelyaev-dev/stockfolio/internal/engine"
	"github.com/mbelyaev-dev/stockfolio/internal/lib/currency"
	"github.com/mbelyaev-dev/stockfolio/internal/lib/form"
	"github.com/mbelyaev-dev/stockfolio/internal/lib/jwt"
	"github.com/mbelyaev-dev/stockfolio/internal/metrics"
	"github.com/mbelyaev-dev/stockfolio/internal/storage"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRequestID
)

// UserStorage is the slice of the store the auth handlers need.
type UserStorage interface {
	SaveUser(ctx context.Context, username string, passHash []byte) (int, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
}

type APIServer struct {
	config    *config.Config
	logger    *slog.Logger
	server    *http.Server
	users     UserStorage
	engine    *engine.Engine
	jwtSecret []byte
}

func New(config *config.Config, logger *slog.Logger, users UserStorage, eng *engine.Engine, jwtSecret []byte) *APIServer {
	return &APIServer{
		config: config,
		logger: logger,
		server: &http.Server{
			Addr: config.ApiHost + ":" + strconv.Itoa(config.ApiPort),
		},
		users:     users,
		engine:    eng,
		jwtSecret: jwtSecret,
	}
}

func (s *APIServer) Start() error {
	s.logger.Info("Starting server", slog.String("port", strconv.Itoa(s.config.ApiPort)))

	s.configureRouter()

	return s.server.ListenAndServe()
}

func (s *APIServer) MustStart() {
	err := s.Start()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic("Failed to start server: " + err.Error())
	}
}

func (s *APIServer) Stop(ctx context.Context) error {
	defer s.logger.Info("Server successfully stopped")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) configureRouter() {
	router := mux.NewRouter()
	router.Use(s.requestID, s.measure)
	router.HandleFunc("/api/register", s.registerHandler()).Methods("POST")
	router.HandleFunc("/api/login", s.loginHandler()).Methods("POST")
	router.HandleFunc("/api/portfolio", s.authenticate(s.portfolioHandler())).Methods("GET")
	router.HandleFunc("/api/quote/{symbol}", s.authenticate(s.quoteHandler())).Methods("GET")
	router.HandleFunc("/api/buy", s.authenticate(s.buyHandler())).Methods("POST")
	router.HandleFunc("/api/sell", s.authenticate(s.sellHandler())).Methods("POST")
	router.HandleFunc("/api/history", s.authenticate(s.historyHandler())).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.server.Handler = router
}

// ---- middleware ----

func (s *APIServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())

		s.logger.Debug("request handled",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("took", time.Since(start)),
		)
	})
}

func (s *APIServer) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenHeader := r.Header.Get("Authorization")
		if tokenHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		parts := strings.Split(tokenHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "malformed token")
			return
		}

		claims, err := jwt.ParseToken(parts[1], string(s.jwtSecret))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, claims.UserID))
		next(w, r)
	}
}

func userIDFrom(ctx context.Context) int {
	id, _ := ctx.Value(ctxKeyUserID).(int)
	return id
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ---- error rendering ----

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEngineError maps the engine's failure kinds onto HTTP statuses.
func (s *APIServer) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var e *engine.Error
	if !errors.As(err, &e) {
		s.logger.Error("unexpected engine failure",
			slog.String("request_id", requestIDFrom(r.Context())), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch e.Kind {
	case engine.KindValidation:
		writeError(w, http.StatusBadRequest, e.Message)
	case engine.KindNotFound:
		writeError(w, http.StatusNotFound, e.Message)
	case engine.KindInsufficientFunds:
		writeError(w, http.StatusPaymentRequired, e.Message)
	case engine.KindInsufficientHoldings:
		writeError(w, http.StatusBadRequest, e.Message)
	case engine.KindAuth:
		writeError(w, http.StatusUnauthorized, e.Message)
	default:
		s.logger.Error("engine failure",
			slog.String("request_id", requestIDFrom(r.Context())), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ---- auth handlers ----

type RegisterRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	Confirmation string `json:"confirmation"`
}

func (s *APIServer) registerHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		if req.Username == "" {
			writeError(w, http.StatusBadRequest, "username is blank")
			return
		}
		if req.Password == "" {
			writeError(w, http.StatusBadRequest, "password is blank")
			return
		}
		if req.Confirmation == "" {
			writeError(w, http.StatusBadRequest, "confirm password is blank")
			return
		}
		if req.Password != req.Confirmation {
			writeError(w, http.StatusBadRequest, "passwords do not match")
			return
		}

		passHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Error("Failed to hash password", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		id, err := s.users.SaveUser(r.Context(), req.Username, passHash)
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusBadRequest, "username already exists")
			return
		}
		if err != nil {
			s.logger.Error("Failed to save user", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		s.logger.Info("Registered new user", slog.String("username", req.Username))

		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "username": req.Username})
	}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

func (s *APIServer) loginHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		if req.Username == "" {
			writeError(w, http.StatusBadRequest, "username is blank")
			return
		}
		if req.Password == "" {
			writeError(w, http.StatusBadRequest, "password is blank")
			return
		}

		user, err := s.users.UserByUsername(r.Context(), req.Username)
		if errors.Is(err, storage.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid username and/or password")
			return
		}
		if err != nil {
			s.logger.Error("Failed to get user", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid username and/or password")
			return
		}

		token, err := jwt.NewToken(user, string(s.jwtSecret), s.config.Auth.TokenTTL)
		if err != nil {
			s.logger.Error("Failed to issue token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, LoginResponse{Token: token})
	}
}

// ---- portfolio handlers ----

type PositionResponse struct {
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Shares       int64  `json:"shares"`
	Price        string `json:"price"`
	PriceDisplay string `json:"price_display"`
	Value        string `json:"value"`
	ValueDisplay string `json:"value_display"`
}

type PortfolioResponse struct {
	Positions    []PositionResponse `json:"positions"`
	Cash         string             `json:"cash"`
	CashDisplay  string             `json:"cash_display"`
	StockValue   string             `json:"stock_value"`
	Total        string             `json:"total"`
	TotalDisplay string             `json:"total_display"`
}

func (s *APIServer) portfolioHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.engine.Portfolio(r.Context(), userIDFrom(r.Context()))
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}

		res := PortfolioResponse{
			Positions:    make([]PositionResponse, 0, len(view.Positions)),
			Cash:         view.Cash.StringFixed(2),
			CashDisplay:  currency.USD(view.Cash),
			StockValue:   view.StockValue.StringFixed(2),
			Total:        view.Total.StringFixed(2),
			TotalDisplay: currency.USD(view.Total),
		}
		for _, p := range view.Positions {
			res.Positions = append(res.Positions, PositionResponse{
				Symbol:       p.Symbol,
				Name:         p.Name,
				Shares:       p.Shares,
				Price:        p.Price.StringFixed(2),
				PriceDisplay: currency.USD(p.Price),
				Value:        p.Value.StringFixed(2),
				ValueDisplay: currency.USD(p.Value),
			})
		}

		writeJSON(w, http.StatusOK, res)
	}
}

type QuoteResponse struct {
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Price        string `json:"price"`
	PriceDisplay string `json:"price_display"`
}

func (s *APIServer) quoteHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol, err := form.ParseSymbol(mux.Vars(r)["symbol"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "symbol is blank")
			return
		}

		q, err := s.engine.Quote(r.Context(), symbol)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, QuoteResponse{
			Symbol:       q.Symbol,
			Name:         q.Name,
			Price:        q.Price.StringFixed(2),
			PriceDisplay: currency.USD(q.Price),
		})
	}
}

// TradeRequest carries a buy or sell intent. Shares arrive as a string
// and are parsed at this boundary; the engine only ever sees a
// validated positive count.
type TradeRequest struct {
	Symbol string `json:"symbol"`
	Shares string `json:"shares"`
}

func (s *APIServer) buyHandler() func(http.ResponseWriter, *http.Request) {
	return s.tradeHandler(s.engine.Buy)
}

func (s *APIServer) sellHandler() func(http.ResponseWriter, *http.Request) {
	return s.tradeHandler(s.engine.Sell)
}

func (s *APIServer) tradeHandler(exec func(ctx context.Context, userID int, symbol string, shares int64) error) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		symbol, err := form.ParseSymbol(req.Symbol)
		if err != nil {
			writeError(w, http.StatusBadRequest, "symbol is blank")
			return
		}

		shares, err := form.ParseShareCount(req.Shares)
		if err != nil {
			writeError(w, http.StatusBadRequest, shareCountMessage(err))
			return
		}

		if err := exec(r.Context(), userIDFrom(r.Context()), symbol, shares); err != nil {
			s.writeEngineError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func shareCountMessage(err error) string {
	switch {
	case errors.Is(err, form.ErrBlank):
		return "number of shares is blank"
	case errors.Is(err, form.ErrNotInteger):
		return "number of shares is not an integer"
	case errors.Is(err, form.ErrNotPositive):
		return "number of shares must be positive"
	default:
		return "invalid number of shares"
	}
}

type HistoryRow struct {
	Symbol     string    `json:"symbol"`
	Shares     int64     `json:"shares"`
	Price      string    `json:"price"`
	Transacted time.Time `json:"transacted"`
}

func (s *APIServer) historyHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		txs, err := s.engine.History(r.Context(), userIDFrom(r.Context()))
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}

		rows := make([]HistoryRow, 0, len(txs))
		for _, t := range txs {
			rows = append(rows, HistoryRow{
				Symbol:     t.Symbol,
				Shares:     t.Shares,
				Price:      t.Price.StringFixed(2),
				Transacted: t.Transacted,
			})
		}

		writeJSON(w, http.StatusOK, rows)
	}
}
