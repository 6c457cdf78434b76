package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/swcompose/operator/internal/anthropic"
	"github.com/swcompose/operator/internal/store"
)

func newLoginCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Connect a Claude account via OAuth",
		Long: `Connect a Claude account via OAuth.

Opens a PKCE sign-in URL. After authorizing, the Claude console shows an
authorization code; paste it back here to complete the exchange. The
resulting credential is stored and provisioned onto task VMs at boot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigForStore(configPath)
			if err != nil {
				return err
			}
			st, err := newStore(cfg, slog.Default())
			if err != nil {
				return err
			}

			auth, err := anthropic.GenerateSignInURL()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Open this URL in your browser and authorize access:\n\n  %s\n\n", auth.URL)

			code, err := promptForCode(cmd)
			if err != nil {
				return err
			}

			exchanger := &anthropic.Exchanger{}
			creds, err := exchanger.ExchangeCode(cmd.Context(), strings.TrimSpace(code), auth.Verifier)
			if err != nil {
				return err
			}

			if err := saveCredentials(cmd, st, creds); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Connected as %s (token expires %s)\n",
				creds.Email, creds.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to operator.yaml (default: ./operator.yaml)")

	return cmd
}

// promptForCode collects the pasted authorization code with a huh form.
func promptForCode(cmd *cobra.Command) (string, error) {
	var code string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Authorization code").
				Description("Paste the code shown after authorizing (format: code#state)").
				Value(&code).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("authorization code is required")
					}
					return nil
				}),
		),
	).
		WithInput(cmd.InOrStdin()).
		WithOutput(cmd.OutOrStdout())

	// Use accessible mode for non-TTY input (e.g., tests, piped input).
	if f, ok := cmd.InOrStdin().(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		form = form.WithAccessible(true)
	}

	if err := form.Run(); err != nil {
		return "", fmt.Errorf("login aborted: %w", err)
	}
	return code, nil
}

// saveCredentials upserts the user profile by email and stores the token
// linked to it in a single transaction.
func saveCredentials(cmd *cobra.Command, st store.Store, creds *anthropic.Credentials) error {
	tokenID := st.NewID()
	ops := []store.Op{{
		Entity: store.EntityOAuthTokens,
		ID:     tokenID,
		Set: map[string]any{
			"provider":     anthropic.Provider,
			"authToken":    creds.AccessToken,
			"refreshToken": creds.RefreshToken,
			"expiresAt":    creds.ExpiresAt,
			"createdAt":    time.Now(),
		},
	}}
	if creds.Email != "" {
		profile := store.Lookup{Attr: "userEmail", Value: creds.Email}
		ops = append(ops,
			store.Op{
				Entity: store.EntityUserProfiles,
				Lookup: &profile,
				Set:    map[string]any{"userEmail": creds.Email},
			},
			store.Op{
				Entity: store.EntityOAuthTokens,
				ID:     tokenID,
				Links:  map[string]any{"userProfile": profile},
			},
		)
	}
	if err := st.Transact(cmd.Context(), ops); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}
