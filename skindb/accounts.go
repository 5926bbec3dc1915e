// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package skindb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
)

const (
	listAccounts = `SELECT uuid, email, password, enabled, created_at FROM accounts ORDER BY created_at, email`

	insertAccount = `INSERT INTO accounts (uuid, email, password) VALUES ($1, $2, $3)`

	deleteAccount = `DELETE FROM accounts WHERE email = $1`

	setAccountEnabled = `UPDATE accounts SET enabled = $2, updated_at = now() WHERE email = $1`

	selectAccessToken = `SELECT access_token FROM accounts WHERE uuid = $1`

	updateAccessToken = `UPDATE accounts SET access_token = $2, updated_at = now() WHERE uuid = $1`

	uniqueViolation = "23505"
)

// AccountRow is an account as stored, including roster state.
type AccountRow struct {
	scheduler.Account
	Enabled   bool
	CreatedAt time.Time
}

// ListAllAccounts returns every account in the roster.
func (s *Store) ListAllAccounts(ctx context.Context) ([]AccountRow, error) {
	rows, err := s.pool.Query(ctx, listAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AccountRow, error) {
		var (
			a  AccountRow
			id pgtype.UUID
		)
		if err := row.Scan(&id, &a.Email, &a.Password, &a.Enabled, &a.CreatedAt); err != nil {
			return a, err
		}
		a.UUID = uuid.UUID(id.Bytes)
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan accounts: %w", err)
	}
	return out, nil
}

// ListAccounts returns the enabled accounts, the roster the worker pool is
// built from.
func (s *Store) ListAccounts(ctx context.Context) ([]scheduler.Account, error) {
	all, err := s.ListAllAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.Account, 0, len(all))
	for _, a := range all {
		if a.Enabled {
			out = append(out, a.Account)
		}
	}
	return out, nil
}

func (s *Store) AddAccount(ctx context.Context, a scheduler.Account) error {
	_, err := s.pool.Exec(ctx, insertAccount, pgtype.UUID{Bytes: a.UUID, Valid: true}, a.Email, a.Password)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrAccountExists, a.Email)
		}
		return fmt.Errorf("failed to add account %s: %w", a.Email, err)
	}
	return nil
}

func (s *Store) RemoveAccount(ctx context.Context, email string) error {
	return s.execOne(ctx, email, deleteAccount, email)
}

// SetAccountEnabled takes an account in or out of the roster without
// deleting it.
func (s *Store) SetAccountEnabled(ctx context.Context, email string, enabled bool) error {
	return s.execOne(ctx, email, setAccountEnabled, email, enabled)
}

func (s *Store) execOne(ctx context.Context, email, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", email, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	return nil
}

// LoadSession returns the last access token saved for an account, or ""
// when there is none.
func (s *Store) LoadSession(ctx context.Context, account uuid.UUID) (string, error) {
	var token pgtype.Text
	err := s.pool.QueryRow(ctx, selectAccessToken, pgtype.UUID{Bytes: account, Valid: true}).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session for %s: %w", account, err)
	}
	return token.String, nil
}

func (s *Store) SaveSession(ctx context.Context, account uuid.UUID, accessToken string) error {
	_, err := s.pool.Exec(ctx, updateAccessToken,
		pgtype.UUID{Bytes: account, Valid: true},
		pgtype.Text{String: accessToken, Valid: accessToken != ""})
	if err != nil {
		return fmt.Errorf("failed to save session for %s: %w", account, err)
	}
	return nil
}
