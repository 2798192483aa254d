package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/config"
	"sos-mesh-relay/shared/dbx"
)

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "sosctl",
		Short:         "Operator tooling for the SOS relay backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(cfg),
		newAppSignatureCmd(cfg),
		newSignCmd(cfg),
		newTokenCmd(cfg),
	)
	return root
}

// --- migrate ---

func newMigrateCmd(cfg config.Config) *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database schema migrations",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", cfg.DatabaseURL, "postgres connection string (defaults to DATABASE_URL)")

	dsn := func() (string, error) {
		if strings.TrimSpace(databaseURL) == "" {
			return "", errors.New("database url is required (set DATABASE_URL or --database-url)")
		}
		return databaseURL, nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := dsn()
			if err != nil {
				return err
			}
			if err := dbx.MigrateUp(url); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := dsn()
			if err != nil {
				return err
			}
			if err := dbx.MigrateDown(url, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d step(s)\n", max(steps, 1))
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := dsn()
			if err != nil {
				return err
			}
			v, dirty, err := dbx.MigrateVersion(url)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"version": v, "dirty": dirty})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

// --- app-signature ---

func newAppSignatureCmd(cfg config.Config) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "app-signature [bundle-id...]",
		Short: "Print the app signature each bundle id must present",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				return errors.New("app signature secret is required (set APP_SIGNATURE_SECRET or --secret)")
			}
			bundles := args
			if len(bundles) == 0 {
				bundles = cfg.AppBundleIDs
			}
			if len(bundles) == 0 {
				return errors.New("no bundle ids given")
			}
			v := verify.New(secret, nil, 0)
			out := make(map[string]string, len(bundles))
			for _, id := range bundles {
				out[id] = v.AppSignature(id)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", cfg.AppSignatureSecret, "shared app signature secret")
	return cmd
}

// --- sign ---

type signOutput struct {
	Canonical string `json:"canonical"`
	Signature string `json:"signature"`
}

func newSignCmd(cfg config.Config) *cobra.Command {
	var (
		secret        string
		messageID     string
		deviceID      string
		emergencyType string
		priority      string
		latitude      float64
		longitude     float64
		text          string
		originatedAt  string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an SOS payload the way a device does",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				return errors.New("app signature secret is required (set APP_SIGNATURE_SECRET or --secret)")
			}
			if messageID == "" || deviceID == "" {
				return errors.New("--message-id and --device-id are required")
			}
			at := time.Now().UTC()
			if originatedAt != "" {
				parsed, err := time.Parse(time.RFC3339Nano, originatedAt)
				if err != nil {
					return fmt.Errorf("--originated-at: %w", err)
				}
				at = parsed
			}
			m := verify.Message{
				MessageID:          messageID,
				OriginatorDeviceID: deviceID,
				EmergencyType:      emergencyType,
				Priority:           priority,
				Message:            text,
				OriginatedAt:       at,
			}
			if cmd.Flags().Changed("lat") {
				m.Latitude = &latitude
			}
			if cmd.Flags().Changed("lon") {
				m.Longitude = &longitude
			}
			v := verify.New(secret, nil, 0)
			return writeJSON(cmd.OutOrStdout(), signOutput{
				Canonical: verify.CanonicalPayload(m),
				Signature: v.SignMessage(m),
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&secret, "secret", cfg.AppSignatureSecret, "shared app signature secret")
	f.StringVar(&messageID, "message-id", "", "alert message id")
	f.StringVar(&deviceID, "device-id", "", "originator device id")
	f.StringVar(&emergencyType, "emergency-type", "medical", "emergency type")
	f.StringVar(&priority, "priority", "high", "priority")
	f.Float64Var(&latitude, "lat", 0, "latitude")
	f.Float64Var(&longitude, "lon", 0, "longitude")
	f.StringVar(&text, "message", "", "free text message")
	f.StringVar(&originatedAt, "originated-at", "", "RFC3339 origination time (default now)")
	return cmd
}

// --- token ---

func newTokenCmd(cfg config.Config) *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <device-id>",
		Short: "Issue a device bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := authx.NewDeviceTokens(secret, ttl)
			if err != nil {
				return err
			}
			token, expires, err := tokens.Issue(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"device_id":  args[0],
				"token":      token,
				"expires_at": expires,
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", cfg.DeviceJWTSecret, "device token signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", cfg.DeviceTokenTTL(), "token lifetime")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
