package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kadirpekel/a2abridge/pkg/config"
	"github.com/kadirpekel/a2abridge/pkg/credentials"
	"github.com/kadirpekel/a2abridge/pkg/descriptor"
	"github.com/kadirpekel/a2abridge/pkg/httpclient"
)

// ValidateCmd loads the configuration and reports whether it is usable.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, loader, err := cli.loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}
	_ = loader.Close()

	fmt.Printf("Configuration is valid: %s\n", cli.Config)
	fmt.Printf("  downstream: %s (%s)\n", cfg.Downstream.Name, cfg.Downstream.LoginURL)
	fmt.Printf("  sessions:   %s\n", cfg.Sessions.Backend)
	fmt.Printf("  delegates:  %d\n", len(cfg.Delegation.Agents))
	return nil
}

// SchemaCmd prints the JSON Schema of the configuration.
type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	data, err := config.SchemaJSON()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

// CardCmd resolves a remote agent card and prints it.
type CardCmd struct {
	URL     string        `arg:"" help:"Base URL of the remote agent."`
	Timeout time.Duration `help:"Request timeout." default:"10s"`
}

func (c *CardCmd) Run() error {
	r := descriptor.NewResolver(1, descriptor.WithTimeout(c.Timeout))
	card, err := r.Resolve(context.Background(), c.URL)
	if err != nil {
		return err
	}
	return printJSON(card)
}

// TokenCmd fetches a downstream credential using the configured client
// credentials. The token itself is never printed.
type TokenCmd struct{}

func (c *TokenCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, loader, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	_ = loader.Close()

	ds := cfg.Downstream
	cache := credentials.NewCache(&credentials.ClientCredentials{
		TokenURL:     ds.TokenURL(),
		ClientID:     ds.ClientID,
		ClientSecret: ds.ClientSecret,
		Upstream:     ds.Name,
		Client:       httpclient.New(httpclient.WithName(ds.Name)),
	}, credentials.WithTTL(ds.TokenTTL), credentials.WithTimeout(ds.Timeout))

	cred, err := cache.Token(ctx)
	if err != nil {
		return err
	}
	return printJSON(describeCredential(cred, time.Now()))
}

type credentialInfo struct {
	TokenType   string    `json:"tokenType,omitempty"`
	InstanceURL string    `json:"instanceUrl,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ExpiresIn   string    `json:"expiresIn"`
}

func describeCredential(cred *credentials.Credential, now time.Time) credentialInfo {
	return credentialInfo{
		TokenType:   cred.TokenType,
		InstanceURL: cred.InstanceURL,
		ExpiresAt:   cred.ExpiresAt.UTC(),
		ExpiresIn:   cred.ExpiresAt.Sub(now).Round(time.Second).String(),
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
