// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the commands of the authcore CLI.
package app

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/stacklok/authcore/pkg/authcore"
	"github.com/stacklok/authcore/pkg/authcore/config"
	"github.com/stacklok/authcore/pkg/authcore/introspection"
	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/keys"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// errNoConfig is returned by commands that need --config when it is unset.
var errNoConfig = errors.New("no configuration file specified, use --config flag")

// NewRootCmd creates the root command of the authcore CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authcore",
		DisableAutoGenTag: true,
		Short:             "authcore - OAuth 2.0 and OpenID Connect token engine",
		Long: `authcore issues, introspects and revokes signed OAuth 2.0 and OpenID Connect
tokens for multiple tenant domains.

The commands here operate on an authcore configuration file: they validate it,
publish the key sets it deploys, mint test tokens and check tokens offline.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
			otel.SetLogger(logger.NewLogr())
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("error binding debug flag", "error", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the authcore configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorw("error binding config flag", "error", err)
	}

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newJWKSCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newVerifyCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadConfig reads the file named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errNoConfig
	}
	logger.Debugw("loading configuration", "path", path)
	return config.Load(path)
}

// newEngine deploys every configured domain over in-memory storage.
// Tokens minted by it are never seen by a running server's storage, so
// only offline checks apply to them elsewhere.
func newEngine(cmd *cobra.Command) (*authcore.Engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	e, err := authcore.New(storage.NewMemoryStorage())
	if err != nil {
		return nil, err
	}
	for i := range cfg.Domains {
		if err := e.DeployConfig(&cfg.Domains[i]); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the authcore configuration file.

This command checks:
- YAML syntax validity
- Domain, certificate and client settings
- Claim mapper expressions
- Storage settings`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			// Compiling mappers and loading keys catches what static checks cannot.
			summaries := make([]domainSummary, 0, len(cfg.Domains))
			for i := range cfg.Domains {
				d := &cfg.Domains[i]
				if _, err := d.Domain(); err != nil {
					return fmt.Errorf("domain %s: %w", d.ID, err)
				}
				snap, err := d.Snapshot()
				if err != nil {
					return fmt.Errorf("domain %s: %w", d.ID, err)
				}
				summaries = append(summaries, domainSummary{
					id:      d.ID,
					issuer:  d.Issuer,
					snap:    snap,
					clients: len(d.OAuth2Clients()),
				})
			}
			if err := renderCertificateTable(cmd.OutOrStdout(), summaries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: %d domain(s), storage %s\n",
				len(cfg.Domains), cfg.Storage.Type)
			return nil
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var alg, out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Long: `Generate a private signing key in PEM form, or a base64url-encoded random
secret for HMAC algorithms. The result is written to --out, or to stdout when
unset.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var material []byte
			switch {
			case !keys.IsSupported(alg) || alg == keys.None:
				return fmt.Errorf("unsupported algorithm %q", alg)
			case keys.IsSymmetric(alg):
				secret, err := keys.GenerateSecret(alg)
				if err != nil {
					return err
				}
				// Secret files are read as text and trimmed.
				material = []byte(base64.RawURLEncoding.EncodeToString(secret) + "\n")
			default:
				signer, err := keys.GenerateSigner(alg)
				if err != nil {
					return err
				}
				if material, err = keys.EncodePrivateKeyPEM(signer); err != nil {
					return err
				}
				if kid, err := keys.DeriveKeyID(signer); err == nil {
					logger.Infow("generated signing key", "algorithm", alg, "kid", kid)
				}
			}

			if out == "" {
				_, err := cmd.OutOrStdout().Write(material)
				return err
			}
			if err := os.WriteFile(out, material, 0o600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", keys.DefaultAlgorithm, "Signing algorithm")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file")
	return cmd
}

func newJWKSCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Print the JSON Web Key Set of a domain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			d, ok := cfg.Domain(domain)
			if !ok {
				return fmt.Errorf("%w: %s", oauth2.ErrUnknownDomain, domain)
			}
			snap, err := d.Snapshot()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap.JWKS())
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Domain id")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var domain, clientID, scope string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a client_credentials token for a configured client",
		Long: `Mint a client_credentials access token for a configured client, signed with
the configured keys. Generated certificates change on every run, so only
file-backed keys yield tokens that verify later.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			client, err := e.Client(domain, clientID)
			if err != nil {
				return err
			}
			req := &oauth2.TokenRequest{
				GrantType:  oauth2.GrantTypeClientCredentials,
				Parameters: url.Values{oauth2.ParamGrantType: {oauth2.GrantTypeClientCredentials}},
			}
			if scope != "" {
				req.Parameters.Set(oauth2.ParamScope, scope)
			}
			tok, err := e.Grant(cmd.Context(), req, client)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tok.Response())
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Domain id")
	cmd.Flags().StringVar(&clientID, "client", "", "Client id")
	cmd.Flags().StringVar(&scope, "scope", "", "Space-delimited scopes")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <token>",
		Short: "Decode a token without verifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded, err := jwt.Decode(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"header": map[string]any{
					"alg": decoded.Algorithm(),
					"kid": decoded.KeyID(),
				},
				"claims": decoded.Claims,
			})
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Check a token offline against the configured keys",
		Long: `Check a token's signature and validity window against the keys deployed by
the configuration file. Persisted state is not consulted, so revoked tokens
still report active.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			req := introspection.Request{Token: args[0], Offline: true}
			if domain != "" {
				req.Caller = &oauth2.Client{Domain: domain}
			}
			res, ok := e.Introspect(cmd.Context(), req)
			if !ok {
				return writeJSON(cmd.OutOrStdout(), introspection.Inactive())
			}
			return writeJSON(cmd.OutOrStdout(), res.Response())
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Domain to try for tokens without a domain claim")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
