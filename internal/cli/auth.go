package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/trailcache/trailcache/internal/api"
	"github.com/trailcache/trailcache/internal/auth"
	"github.com/trailcache/trailcache/internal/config"
	"github.com/trailcache/trailcache/internal/models"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage upstream OAuth credentials",
}

var authImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Store an access/refresh token pair",
	Long: `Store the token pair obtained from the upstream's authorization flow.
The refresh token is used to renew the access token before it expires.

Example:
  trailcache auth import --access "$ACCESS" --refresh "$REFRESH" --expires-in 6h`,
	Args: cobra.NoArgs,
	RunE: runAuthImport,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored credentials",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

var authFlags struct {
	Access    string
	Refresh   string
	ExpiresIn time.Duration
	TokenType string
	Verify    bool
}

func init() {
	authImportCmd.Flags().StringVar(&authFlags.Access, "access", "", "Access token")
	authImportCmd.Flags().StringVar(&authFlags.Refresh, "refresh", "", "Refresh token")
	authImportCmd.Flags().DurationVar(&authFlags.ExpiresIn, "expires-in", 0, "Access token lifetime; 0 forces a refresh on first use")
	authImportCmd.Flags().StringVar(&authFlags.TokenType, "token-type", "Bearer", "Token type")
	_ = authImportCmd.MarkFlagRequired("access")

	authStatusCmd.Flags().BoolVar(&authFlags.Verify, "verify", false, "Refresh the access token now to prove the refresh token works")

	authCmd.AddCommand(authImportCmd, authStatusCmd)
	RootCmd.AddCommand(authCmd)
}

// withAuthManager opens only the credential store; no snapshot store or
// upstream client is needed.
func withAuthManager(ctx context.Context, fn func(cfg *config.Config, m *auth.Manager) error) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	creds, db, err := openCredentials(ctx, cfg.Credentials, logger)
	if err != nil {
		return fmt.Errorf("failed to open credentials: %w", err)
	}
	if db != nil {
		defer db.Close()
	}
	return fn(cfg, newAuthManager(cfg, creds, logger, nil))
}

func runAuthImport(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	now := time.Now().UTC()
	creds := &models.CredentialSet{
		AccessToken:  authFlags.Access,
		RefreshToken: authFlags.Refresh,
		TokenType:    authFlags.TokenType,
		IssuedAt:     now,
	}
	if authFlags.ExpiresIn > 0 {
		creds.ExpiresAt = now.Add(authFlags.ExpiresIn)
	}

	return withAuthManager(ctx, func(cfg *config.Config, m *auth.Manager) error {
		if err := m.Import(ctx, creds); err != nil {
			return err
		}
		if cfg.Credentials.Backend == "memory" {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: the memory credentials backend does not outlive this command")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credentials stored in %s backend (expires %s)\n",
			cfg.Credentials.Backend, formatTime(creds.ExpiresAt))
		return nil
	})
}

// AuthStatus is the output of auth status.
type AuthStatus struct {
	Backend    string    `json:"backend"`
	Access     string    `json:"access_token"`
	HasRefresh bool      `json:"has_refresh_token"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Expired    bool      `json:"expired"`
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	return withAuthManager(ctx, func(cfg *config.Config, m *auth.Manager) error {
		if authFlags.Verify {
			if _, err := m.Refresh(ctx, ""); err != nil {
				return err
			}
		}
		creds, err := m.Credentials(ctx)
		if err != nil {
			return err
		}

		st := AuthStatus{
			Backend:    cfg.Credentials.Backend,
			Access:     api.MaskAPIKeys([]string{creds.AccessToken})[0],
			HasRefresh: creds.CanRefresh(),
			IssuedAt:   creds.IssuedAt,
			ExpiresAt:  creds.ExpiresAt,
			Expired:    creds.ExpiresWithin(time.Now(), 0),
		}
		out := cmd.OutOrStdout()
		if globalFlags.JSON {
			return writeJSON(out, st)
		}
		fmt.Fprintf(out, "Backend:       %s\n", st.Backend)
		fmt.Fprintf(out, "Access token:  %s\n", st.Access)
		fmt.Fprintf(out, "Refresh token: %t\n", st.HasRefresh)
		fmt.Fprintf(out, "Issued:        %s\n", formatTime(st.IssuedAt))
		fmt.Fprintf(out, "Expires:       %s (expired: %t)\n", formatTime(st.ExpiresAt), st.Expired)
		return nil
	})
}
