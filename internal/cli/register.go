package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/circuit"
	"circuit-trivia-bot/internal/domain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

// webhookAdmin is the part of the chat API used to bootstrap and tear down the bot.
type webhookAdmin interface {
	Profile(ctx context.Context, token string) (circuit.Profile, error)
	RegisterWebhook(ctx context.Context, token, callbackURL, filter string) (string, error)
	DeleteWebhooks(ctx context.Context, token string) error
}

// NewRegisterCmd obtains a bot token and subscribes the webhook endpoint.
func NewRegisterCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Authenticate the bot and register its webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Circuit.ClientID == "" || cfg.Circuit.ClientSecret == "" {
				return fmt.Errorf("client id and secret must be configured")
			}
			if cfg.Circuit.WebhookHost == "" {
				return fmt.Errorf("webhook host not configured (set WEBHOOK_HOST)")
			}

			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			oauth := clientcredentials.Config{
				ClientID:     cfg.Circuit.ClientID,
				ClientSecret: cfg.Circuit.ClientSecret,
				TokenURL:     cfg.DomainURL() + "/oauth/token",
				Scopes:       []string{"ALL"},
			}
			tok, err := oauth.Token(ctx)
			if err != nil {
				return fmt.Errorf("obtain bot token: %w", err)
			}
			cred, err := register(ctx, b.store, newChatClient(cfg, logger), cfg.DomainURL(), tok.AccessToken, cfg.Circuit.WebhookHost, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered bot %s for %s\n", cred.UserID, cfg.Namespace())
			return nil
		},
	}
}

// register stores the bot credential and replaces every webhook of the token with the two
// event subscriptions the bot handles.
func register(ctx context.Context, store app.CredentialStore, api webhookAdmin, domainURL, token, webhookHost string, logger *zap.Logger) (domain.Credential, error) {
	profile, err := api.Profile(ctx, token)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("fetch bot profile: %w", err)
	}
	cred := domain.Credential{
		Domain:    domainURL,
		UserID:    profile.UserID,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveCredential(ctx, cred); err != nil {
		return domain.Credential{}, err
	}
	logger.Info("credential stored", zap.String("user_id", cred.UserID), zap.String("display_name", profile.DisplayName))

	if err := api.DeleteWebhooks(ctx, token); err != nil {
		return domain.Credential{}, fmt.Errorf("delete webhooks: %w", err)
	}
	callback := strings.TrimRight(webhookHost, "/") + "/webhook"
	for _, filter := range []string{circuit.FilterSubmitFormData, circuit.FilterAddItem} {
		id, err := api.RegisterWebhook(ctx, token, callback, filter)
		if err != nil {
			return domain.Credential{}, fmt.Errorf("register %s webhook: %w", filter, err)
		}
		logger.Info("webhook registered", zap.String("filter", filter), zap.String("webhook_id", id), zap.String("url", callback))
	}
	return cred, nil
}

// NewUnregisterCmd removes the bot's webhooks.
func NewUnregisterCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "Delete the bot's webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := unregister(ctx, b.store, newChatClient(cfg, logger)); err != nil {
				return err
			}
			logger.Info("webhooks deleted")
			return nil
		},
	}
}

func unregister(ctx context.Context, store app.CredentialStore, api webhookAdmin) error {
	cred, err := store.GetCredential(ctx)
	if err != nil {
		return fmt.Errorf("bot is not registered: %w", err)
	}
	return api.DeleteWebhooks(ctx, cred.Token)
}
