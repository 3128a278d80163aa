package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grantwatch/grantwatch/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage provider credentials.",
}

var (
	credentialsSetOrgID       int64
	credentialsSetProvider    string
	credentialsSetClientID    string
	credentialsSetSecretStdin bool
	credentialsSetExtras      []string
)

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store or replace the credential for an organization's provider.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if credentialsSetOrgID == 0 {
			return errors.New("--org is required")
		}
		provider := strings.ToLower(strings.TrimSpace(credentialsSetProvider))
		if provider == "" {
			return errors.New("--provider is required")
		}

		secret, err := resolveClientSecret(cmd)
		if err != nil {
			return err
		}

		extra, err := parseExtras(credentialsSetExtras)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		st, cleanup, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := st.UpsertProviderCredential(ctx, store.UpsertProviderCredentialParams{
			OrgID:        credentialsSetOrgID,
			Provider:     provider,
			ClientID:     strings.TrimSpace(credentialsSetClientID),
			ClientSecret: secret,
			Extra:        extra,
		}); err != nil {
			return err
		}

		cmd.Printf("stored %s credential for organization %d\n", provider, credentialsSetOrgID)
		return nil
	},
}

func resolveClientSecret(cmd *cobra.Command) (string, error) {
	if credentialsSetSecretStdin {
		in, err := os.Stdin.Stat()
		if err != nil {
			return "", err
		}
		if in.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("stdin is a terminal; omit --secret-stdin to prompt")
		}
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		secret := strings.TrimRight(string(raw), "\r\n")
		if secret == "" {
			return "", errors.New("secret is empty")
		}
		return secret, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no secret provided (pipe it with --secret-stdin or run interactively)")
	}

	cmd.Print("Client secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	cmd.Println()
	if err != nil {
		return "", err
	}
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	return string(secret), nil
}

// parseExtras turns repeated key=value flags into the JSON blob the
// credential row stores for provider-specific fields.
func parseExtras(pairs []string) ([]byte, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	extra := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --extra %q, want key=value", pair)
		}
		extra[key] = strings.TrimSpace(value)
	}
	return json.Marshal(extra)
}

func init() {
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsSetCmd.Flags().Int64Var(&credentialsSetOrgID, "org", 0, "Organization id the credential belongs to")
	credentialsSetCmd.Flags().StringVar(&credentialsSetProvider, "provider", "", "Directory provider (google, entra, okta, awsidc)")
	credentialsSetCmd.Flags().StringVar(&credentialsSetClientID, "client-id", "", "OAuth client id or access key id")
	credentialsSetCmd.Flags().BoolVar(&credentialsSetSecretStdin, "secret-stdin", false, "Read the client secret from stdin")
	credentialsSetCmd.Flags().StringArrayVar(&credentialsSetExtras, "extra", nil, "Provider-specific field as key=value (repeatable)")
	_ = credentialsSetCmd.MarkFlagRequired("org")
	_ = credentialsSetCmd.MarkFlagRequired("provider")
}
