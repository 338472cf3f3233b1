package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"go.uber.org/zap"
)

// TokenSource yields the bearer token for one signaling exchange.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// ClientSecretIssuer trades the API key for a short-lived client secret before
// every exchange, so the signaling request never carries the API key itself.
type ClientSecretIssuer struct {
	logger  shared.LoggerAdapter
	service realtime.ClientSecretService
	session *realtime.RealtimeSessionCreateRequestParam
	ttl     time.Duration
}

func NewClientSecretIssuer(
	logger shared.LoggerAdapter,
	apiKey string,
	baseURL string,
	session *realtime.RealtimeSessionCreateRequestParam,
	ttl time.Duration,
	opts ...option.RequestOption,
) (*ClientSecretIssuer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if session == nil {
		return nil, shared.ErrNoConfig
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &ClientSecretIssuer{
		logger:  logger.With(zap.String("component", "client-secret")),
		service: realtime.NewClientSecretService(append(reqOpts, opts...)...),
		session: session,
		ttl:     ttl,
	}, nil
}

// Token mints a client secret scoped to the configured session.
func (i *ClientSecretIssuer) Token(ctx context.Context) (string, error) {
	body := realtime.ClientSecretNewParams{
		Session: realtime.ClientSecretNewParamsSessionUnion{OfRealtime: i.session},
	}
	if i.ttl > 0 {
		body.ExpiresAfter = realtime.ClientSecretNewParamsExpiresAfter{
			Anchor:  "created_at",
			Seconds: param.NewOpt(int64(i.ttl / time.Second)),
		}
	}
	res, err := i.service.New(ctx, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", shared.NewSessionError(shared.KindTimeout, "minting client secret timed out", err)
		}
		return "", shared.NewSessionError(shared.KindSignaling, "minting client secret", err)
	}
	if res.Value == "" {
		return "", shared.NewSessionError(shared.KindSignaling, "empty client secret", nil)
	}
	i.logger.Debug("client secret minted", zap.Int64("expiresAt", res.ExpiresAt))
	return res.Value, nil
}
