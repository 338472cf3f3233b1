package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Signaler performs the one-shot offer/answer exchange.
type Signaler interface {
	Exchange(ctx context.Context, offer string) (answer string, err error)
}

type SignalingMode string

const (
	// SignalingModeSDP posts the raw offer as application/sdp.
	SignalingModeSDP SignalingMode = "sdp"
	// SignalingModeMultipart posts the offer plus a session config as multipart form data.
	SignalingModeMultipart SignalingMode = "multipart"
)

type HTTPSignaler struct {
	logger  shared.LoggerAdapter
	url     string
	tokens  TokenSource
	mode    SignalingMode
	session *realtime.RealtimeSessionCreateRequestParam
	timeout time.Duration
	client  *fasthttp.Client
}

type HTTPSignalerOption func(*HTTPSignaler)

// WithBearerToken adds an Authorization header to the exchange.
func WithBearerToken(token string) HTTPSignalerOption {
	return func(s *HTTPSignaler) { s.tokens = staticToken(token) }
}

// WithTokenSource fetches the Authorization token from ts before every exchange.
func WithTokenSource(ts TokenSource) HTTPSignalerOption {
	return func(s *HTTPSignaler) { s.tokens = ts }
}

// WithSessionConfig switches to multipart mode and sends cfg alongside the offer.
func WithSessionConfig(cfg *realtime.RealtimeSessionCreateRequestParam) HTTPSignalerOption {
	return func(s *HTTPSignaler) {
		s.session = cfg
		s.mode = SignalingModeMultipart
	}
}

func WithRequestTimeout(d time.Duration) HTTPSignalerOption {
	return func(s *HTTPSignaler) { s.timeout = d }
}

func NewHTTPSignaler(logger shared.LoggerAdapter, url string, opts ...HTTPSignalerOption) (*HTTPSignaler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if url == "" {
		return nil, shared.ErrNoSignalingURL
	}
	s := &HTTPSignaler{
		logger:  logger.With(zap.String("component", "signaling")),
		url:     url,
		mode:    SignalingModeSDP,
		timeout: 10 * time.Second,
		client: &fasthttp.Client{
			Name:                "realtime-voice/" + shared.Version,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *HTTPSignaler) Mode() SignalingMode {
	return s.mode
}

type exchangeResult struct {
	status int
	body   []byte
	err    error
}

// Exchange posts offer and returns the answer. Non-2xx responses are SignalingErrors.
func (s *HTTPSignaler) Exchange(ctx context.Context, offer string) (string, error) {
	body, contentType, err := s.encode(offer)
	if err != nil {
		return "", shared.NewSessionError(shared.KindSignaling, "encoding offer", err)
	}
	var token string
	if s.tokens != nil {
		if token, err = s.tokens.Token(ctx); err != nil {
			return "", err
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentType)
	req.Header.Set(fasthttp.HeaderAccept, "application/sdp")
	if token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	}
	req.SetBody(body)

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	s.logger.Debug("posting offer", zap.String("url", s.url), zap.String("mode", string(s.mode)))

	// The request keeps running if ctx ends first; buffers are released when it returns.
	resC := make(chan exchangeResult, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		err := s.client.DoTimeout(req, resp, timeout)
		resC <- exchangeResult{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
			err:    err,
		}
	}()

	var res exchangeResult
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-resC:
	}
	if res.err != nil {
		if errors.Is(res.err, fasthttp.ErrTimeout) {
			return "", shared.NewSessionError(shared.KindTimeout, "signaling exchange timed out", res.err)
		}
		return "", shared.NewSessionError(shared.KindSignaling, "performing HTTP request", res.err)
	}
	if res.status < 200 || res.status > 299 {
		return "", shared.NewSessionError(
			shared.KindSignaling,
			fmt.Sprintf("unexpected status code: %d, body: %s", res.status, truncate(res.body, 256)),
			nil,
		)
	}
	if len(bytes.TrimSpace(res.body)) == 0 {
		return "", shared.NewSessionError(shared.KindSignaling, "empty answer", nil)
	}
	s.logger.Debug("received answer", zap.Int("status", res.status), zap.Int("bytes", len(res.body)))
	return string(res.body), nil
}

func (s *HTTPSignaler) encode(offer string) (body []byte, contentType string, err error) {
	if s.mode != SignalingModeMultipart {
		return []byte(offer), "application/sdp", nil
	}
	if s.session == nil {
		return nil, "", shared.ErrNoConfig
	}
	sessBytes, err := s.session.MarshalJSON()
	if err != nil {
		return nil, "", fmt.Errorf("marshaling config: %w", err)
	}
	buf := new(bytes.Buffer)
	writer := multipart.NewWriter(buf)

	parts := []struct {
		name, contentType string
		data              []byte
	}{
		{"sdp", "application/sdp", []byte(offer)},
		{"session", "application/json", sessBytes},
	}
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, p.name))
		h.Set("Content-Type", p.contentType)
		w, err := writer.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("creating %s part: %w", p.name, err)
		}
		if _, err := w.Write(p.data); err != nil {
			return nil, "", fmt.Errorf("writing %s part: %w", p.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
