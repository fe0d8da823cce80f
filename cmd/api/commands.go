package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careline/server/internal/auth"
	"github.com/careline/server/internal/config"
	"github.com/careline/server/internal/db"
	"github.com/careline/server/internal/model"
	"github.com/careline/server/internal/repo"
)

// openDB loads the config and opens a pool for the one-shot commands
func openDB(ctx context.Context) (*sql.DB, *config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	logger := newLogger(os.Stderr, cfg.Env, cfg.LogLevel)

	opts := db.DefaultPoolOptions()
	opts.MaxOpenConns = 2
	opts.MaxIdleConns = 1
	database, err := db.Open(ctx, cfg.DatabaseURL, opts, logger)
	if err != nil {
		return nil, nil, logger, err
	}
	return database, cfg, logger, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, _, logger, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := db.Migrate(ctx, database); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, _, _, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()
			return db.MigrationStatus(ctx, database)
		},
	}

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func clientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage OAuth clients",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client for the client_credentials grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			clientID, _ := cmd.Flags().GetString("client-id")
			secret, _ := cmd.Flags().GetString("client-secret")

			client, secret, err := newClient(name, clientID, secret)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			database, _, logger, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := repo.NewClientRepo(database).Create(ctx, client); err != nil {
				return err
			}
			logger.Info().Str("client_id", client.ClientID).Str("name", client.Name).Msg("client created")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client_id:     %s\n", client.ClientID)
			fmt.Fprintf(out, "client_secret: %s\n", secret)
			fmt.Fprintln(out, "The secret is stored hashed and cannot be shown again.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Human readable client name (required)")
	createCmd.Flags().String("client-id", "", "Client ID (generated when empty)")
	createCmd.Flags().String("client-secret", "", "Client secret (generated when empty)")

	cmd.AddCommand(createCmd)
	return cmd
}

// newClient builds the row to insert and returns the plaintext secret to hand out
func newClient(name, clientID, secret string) (model.OAuthClient, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.OAuthClient{}, "", fmt.Errorf("--name is required")
	}
	clientID = strings.TrimSpace(clientID)

	if clientID == "" || secret == "" {
		genID, genSecret, err := auth.GenerateClientCredentials()
		if err != nil {
			return model.OAuthClient{}, "", err
		}
		if clientID == "" {
			clientID = genID
		}
		if secret == "" {
			secret = genSecret
		}
	}

	return model.OAuthClient{
		ClientID:         clientID,
		ClientSecretHash: auth.HashClientSecret(secret),
		Name:             name,
		IsActive:         true,
	}, secret, nil
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Maintain issued access tokens",
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete tokens that expired before now minus the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			grace, _ := cmd.Flags().GetDuration("grace")
			if grace < 0 {
				return fmt.Errorf("--grace must not be negative")
			}

			ctx := cmd.Context()
			database, cfg, logger, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			svc := auth.NewTokenService(repo.NewClientRepo(database), repo.NewTokenRepo(database), cfg.TokenTTL, auth.WithLogger(logger))
			n, err := svc.SweepExpired(ctx, grace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired tokens\n", n)
			return nil
		},
	}
	sweepCmd.Flags().Duration("grace", tokenSweepGrace, "Keep tokens that expired less than this long ago")

	cmd.AddCommand(sweepCmd)
	return cmd
}

func operatorTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator-token",
		Short: "Mint a token for the /scheduler routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			secret := os.Getenv("OPERATOR_JWT_SECRET")
			if len(secret) < 32 {
				return fmt.Errorf("OPERATOR_JWT_SECRET must be set and at least 32 characters")
			}
			token, err := mintOperatorToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Operator name recorded in the token (required)")
	cmd.Flags().Duration("ttl", auth.DefaultOperatorTokenTTL, "Token lifetime")
	return cmd
}

func mintOperatorToken(secret, subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("--subject is required")
	}
	return auth.NewJWTService(secret).SignOperatorToken(subject, ttl)
}
