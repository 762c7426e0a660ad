package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/Gopher0727/UbiquiTimes/config"
	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

// Platform 基于 Discord webhook 的 EndpointPlatform 实现
type Platform struct {
	session *discordgo.Session
	log     *zap.Logger
}

var _ services.EndpointPlatform = (*Platform)(nil)

// NewPlatform opens a REST-only session; no gateway connection is made.
func NewPlatform(cfg config.DiscordConfig, log *zap.Logger) (*Platform, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Client = &http.Client{Timeout: cfg.CallTimeout}
	return NewPlatformWithSession(session, log), nil
}

func NewPlatformWithSession(session *discordgo.Session, log *zap.Logger) *Platform {
	if log == nil {
		log = zap.NewNop()
	}
	return &Platform{session: session, log: log.Named("discord")}
}

func (p *Platform) ListEndpoints(ctx context.Context, channelID models.ID) ([]services.Endpoint, error) {
	hooks, err := p.session.ChannelWebhooks(channelID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError("list webhooks", err)
	}
	endpoints := make([]services.Endpoint, 0, len(hooks))
	for _, h := range hooks {
		// channel-follower webhooks carry no token and cannot be executed
		if h.Token == "" {
			continue
		}
		endpoints = append(endpoints, services.Endpoint{Name: h.Name, URL: discordgo.EndpointWebhookToken(h.ID, h.Token)})
	}
	return endpoints, nil
}

func (p *Platform) CreateEndpoint(ctx context.Context, channelID models.ID, name string) (services.Endpoint, error) {
	h, err := p.session.WebhookCreate(channelID.String(), name, "", discordgo.WithContext(ctx))
	if err != nil {
		return services.Endpoint{}, mapError("create webhook", err)
	}
	p.log.Info("webhook created", zap.Stringer("channel_id", channelID), zap.String("name", name), zap.String("webhook_id", h.ID))
	return services.Endpoint{Name: h.Name, URL: discordgo.EndpointWebhookToken(h.ID, h.Token)}, nil
}

// ResolveEndpoint parses the webhook URL and confirms the webhook still exists.
func (p *Platform) ResolveEndpoint(ctx context.Context, rawURL string) (services.EndpointHandle, error) {
	id, token, err := ParseWebhookURL(rawURL)
	if err != nil {
		return services.EndpointHandle{}, err
	}
	if _, err := p.session.WebhookWithToken(id, token, discordgo.WithContext(ctx)); err != nil {
		return services.EndpointHandle{}, mapError("get webhook", err)
	}
	return services.EndpointHandle{ID: id, Token: token, URL: rawURL}, nil
}

func (p *Platform) DeleteEndpoint(ctx context.Context, handle services.EndpointHandle) error {
	_, err := p.session.WebhookDeleteWithToken(handle.ID, handle.Token, discordgo.WithContext(ctx))
	// 204 No Content has no body to decode
	if err != nil && !errors.Is(err, discordgo.ErrJSONUnmarshal) {
		return mapError("delete webhook", err)
	}
	p.log.Info("webhook deleted", zap.String("webhook_id", handle.ID))
	return nil
}

func (p *Platform) Deliver(ctx context.Context, handle services.EndpointHandle, payload services.DeliveryPayload) error {
	params := &discordgo.WebhookParams{
		Content:   payload.Text,
		Username:  payload.DisplayName,
		AvatarURL: payload.AvatarURL,
		// relayed text never pings anyone
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	if _, err := p.session.WebhookExecute(handle.ID, handle.Token, false, params, discordgo.WithContext(ctx)); err != nil {
		return mapError("execute webhook", err)
	}
	return nil
}

// ParseWebhookURL extracts the id and token from a .../webhooks/<id>/<token> URL.
func ParseWebhookURL(rawURL string) (id, token string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: malformed webhook url: %v", services.ErrEndpointGone, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "webhooks" && i+2 < len(parts) {
			id, token = parts[i+1], parts[i+2]
			break
		}
	}
	if id == "" || token == "" {
		return "", "", fmt.Errorf("%w: not a webhook url", services.ErrEndpointGone)
	}
	if _, err := models.ParseID("webhook_id", id); err != nil {
		return "", "", fmt.Errorf("%w: %v", services.ErrEndpointGone, err)
	}
	return id, token, nil
}

// mapError turns "unknown webhook" and "invalid webhook token" into ErrEndpointGone.
// Transport errors are stripped of the request URL, which embeds the webhook token.
func mapError(op string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %s: %w", op, urlErr.Op, urlErr.Err)
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, services.ErrEndpointGone, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
