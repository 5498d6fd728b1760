package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/mailpipe/internal/config"
	"github.com/shineum/mailpipe/internal/provider"
	"github.com/shineum/mailpipe/internal/provider/gmail"
	"github.com/shineum/mailpipe/internal/provider/graph"
	"github.com/shineum/mailpipe/internal/provider/ses"
	"github.com/shineum/mailpipe/internal/provider/stdout"
)

// selectProvider chooses the email delivery backend based on configuration.
// An explicit provider takes precedence; otherwise Graph, SES and Gmail are
// tried in that order and stdout is the fallback.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	name := cfg.Provider
	if name == "" {
		switch {
		case cfg.GraphConfigured():
			name = "graph"
		case cfg.SESConfigured():
			name = "ses"
		case cfg.GmailConfigured():
			name = "gmail"
		default:
			name = "stdout"
		}
		slog.Info("provider auto-detected", "provider", name)
	}

	switch name {
	case "ses":
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case "graph":
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:        cfg.Graph.TenantID,
			ClientID:        cfg.Graph.ClientID,
			ClientSecret:    cfg.Graph.ClientSecret,
			Sender:          cfg.Graph.Sender,
			SaveToSentItems: cfg.Graph.SaveToSentItems,
			Timeout:         cfg.Graph.Timeout,
		}), nil

	case "gmail":
		slog.Info("using Gmail provider", "sender", cfg.Gmail.Sender)
		p, err := gmail.New(ctx, gmail.GmailProviderConfig{
			CredentialsFile: cfg.Gmail.CredentialsFile,
			TokenFile:       cfg.Gmail.TokenFile,
			Subject:         cfg.Gmail.Subject,
			Sender:          cfg.Gmail.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail provider: %w", err)
		}
		return p, nil

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
