package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbelyaev-dev/stockfolio/internal/domain/models"
	"github.com/mbelyaev-dev/stockfolio/internal/storage"
)

// Every new account starts with this much simulated cash.
var startingCash = decimal.NewFromInt(10000)

type Storage struct {
	db *sql.DB
}

func New(dbUrl string) (*Storage, error) {
	db, err := sql.Open("postgres", dbUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection error %s", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect database error %s", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Stop() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, username string, passHash []byte) (int, error) {
	const op = "storage.postgres.SaveUser"

	var id int
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO users (username, password_hash, cash) VALUES ($1, $2, $3) RETURNING id",
		username, passHash, startingCash,
	).Scan(&id)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, storage.ErrUserExists
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.postgres.UserByUsername"

	var user models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, cash, created_at FROM users WHERE username = $1",
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Cash, &user.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &user, nil
}

func (s *Storage) CashBalance(ctx context.Context, userID int) (decimal.Decimal, error) {
	const op = "storage.postgres.CashBalance"

	var cash decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		"SELECT cash FROM users WHERE id = $1", userID,
	).Scan(&cash)

	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, storage.ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}

	return cash, nil
}

// Holdings derives net positions from the ledger. Only strictly
// positive sums are returned, so fully sold positions disappear from
// the portfolio while their rows stay in history.
func (s *Storage) Holdings(ctx context.Context, userID int) ([]models.Holding, error) {
	const op = "storage.postgres.Holdings"

	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, SUM(shares) AS total_shares
		   FROM transactions
		  WHERE user_id = $1
		  GROUP BY symbol
		 HAVING SUM(shares) > 0
		  ORDER BY symbol`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		var h models.Holding
		if err := rows.Scan(&h.Symbol, &h.Shares); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return holdings, nil
}

func (s *Storage) HoldingFor(ctx context.Context, userID int, symbol string) (int64, error) {
	const op = "storage.postgres.HoldingFor"

	var shares int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(shares), 0) FROM transactions WHERE user_id = $1 AND symbol = $2",
		userID, symbol,
	).Scan(&shares)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return shares, nil
}

func (s *Storage) Transactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	const op = "storage.postgres.Transactions"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, shares, price, transacted
		   FROM transactions
		  WHERE user_id = $1
		  ORDER BY transacted, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Shares, &t.Price, &t.Transacted); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return txs, nil
}

// ExecuteBuy applies the cash debit and the ledger append in one
// transaction. The conditional UPDATE re-checks the cash guard, so a
// buy racing another trade from the same user cannot drive the balance
// negative.
func (s *Storage) ExecuteBuy(ctx context.Context, userID int, symbol string, shares int64, price decimal.Decimal) error {
	const op = "storage.postgres.ExecuteBuy"

	cost := price.Mul(decimal.NewFromInt(shares))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE users SET cash = cash - $1 WHERE id = $2 AND cash >= $1",
		cost, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return storage.ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO transactions (user_id, symbol, shares, price) VALUES ($1, $2, $3, $4)",
		userID, symbol, shares, price,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ExecuteSell locks the user row, re-derives the holding under that
// lock and only then applies the credit and the negative ledger row.
// Two sells of the same shares serialize on the row lock; the second
// re-sums after the first committed and fails the guard.
func (s *Storage) ExecuteSell(ctx context.Context, userID int, symbol string, shares int64, price decimal.Decimal) error {
	const op = "storage.postgres.ExecuteSell"

	proceeds := price.Mul(decimal.NewFromInt(shares))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	var id int
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM users WHERE id = $1 FOR UPDATE", userID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var held int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(shares), 0) FROM transactions WHERE user_id = $1 AND symbol = $2",
		userID, symbol,
	).Scan(&held)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if held < shares {
		return storage.ErrInsufficientShares
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE users SET cash = cash + $1 WHERE id = $2",
		proceeds, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO transactions (user_id, symbol, shares, price) VALUES ($1, $2, $3, $4)",
		userID, symbol, -shares, price,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
