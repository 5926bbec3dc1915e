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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cardinalhq/skinrunner/internal/scheduler"
	"github.com/cardinalhq/skinrunner/skindb"
)

// accountRoster is the part of skindb.Store the account commands use.
type accountRoster interface {
	ListAllAccounts(ctx context.Context) ([]skindb.AccountRow, error)
	AddAccount(ctx context.Context, a scheduler.Account) error
	RemoveAccount(ctx context.Context, email string) error
	SetAccountEnabled(ctx context.Context, email string, enabled bool) error
}

var (
	accountEmail    string
	accountPassword string
	accountUUID     string
)

func init() {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the upstream account roster",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account",
		RunE: func(c *cobra.Command, _ []string) error {
			return withRoster(c.Context(), func(ctx context.Context, r accountRoster) error {
				return addAccount(ctx, r, accountEmail, accountPassword, accountUUID)
			})
		},
	}
	addCmd.Flags().StringVar(&accountEmail, "email", "", "account login email")
	addCmd.Flags().StringVar(&accountPassword, "password", "", "account password")
	addCmd.Flags().StringVar(&accountUUID, "uuid", "", "profile UUID of the account")
	_ = addCmd.MarkFlagRequired("email")
	_ = addCmd.MarkFlagRequired("password")
	_ = addCmd.MarkFlagRequired("uuid")

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an account",
		RunE: func(c *cobra.Command, _ []string) error {
			return withRoster(c.Context(), func(ctx context.Context, r accountRoster) error {
				return r.RemoveAccount(ctx, accountEmail)
			})
		},
	}
	removeCmd.Flags().StringVar(&accountEmail, "email", "", "account login email")
	_ = removeCmd.MarkFlagRequired("email")

	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Return a disabled account to the roster",
		RunE: func(c *cobra.Command, _ []string) error {
			return withRoster(c.Context(), func(ctx context.Context, r accountRoster) error {
				return r.SetAccountEnabled(ctx, accountEmail, true)
			})
		},
	}
	enableCmd.Flags().StringVar(&accountEmail, "email", "", "account login email")
	_ = enableCmd.MarkFlagRequired("email")

	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Keep an account but stop using it",
		RunE: func(c *cobra.Command, _ []string) error {
			return withRoster(c.Context(), func(ctx context.Context, r accountRoster) error {
				return r.SetAccountEnabled(ctx, accountEmail, false)
			})
		},
	}
	disableCmd.Flags().StringVar(&accountEmail, "email", "", "account login email")
	_ = disableCmd.MarkFlagRequired("email")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(c *cobra.Command, _ []string) error {
			return withRoster(c.Context(), func(ctx context.Context, r accountRoster) error {
				rows, err := r.ListAllAccounts(ctx)
				if err != nil {
					return err
				}
				return printAccounts(os.Stdout, rows)
			})
		},
	}

	accountsCmd.AddCommand(addCmd, removeCmd, enableCmd, disableCmd, listCmd)
	rootCmd.AddCommand(accountsCmd)
}

func withRoster(parent context.Context, fn func(ctx context.Context, r accountRoster) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, time.Minute)
	defer cancel()

	pool, err := skindb.ConnectToSkinDB(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to skindb: %w", err)
	}
	defer pool.Close()

	store := skindb.NewStore(pool)
	defer store.Close()
	return fn(ctx, store)
}

func addAccount(ctx context.Context, r accountRoster, email, password, id string) error {
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid uuid %q: %w", id, err)
	}
	return r.AddAccount(ctx, scheduler.Account{Email: email, Password: password, UUID: parsed})
}

func printAccounts(w io.Writer, rows []skindb.AccountRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EMAIL\tUUID\tENABLED\tCREATED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.Email, r.UUID, r.Enabled, r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
