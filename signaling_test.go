package realtime

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSignalerRawSDP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "offer-sdp", string(body))
		w.Header().Set("Content-Type", "application/sdp")
		_, _ = w.Write([]byte("answer-sdp"))
	}))
	defer srv.Close()

	s, err := NewHTTPSignaler(shared.NewNopLogger(), srv.URL, WithBearerToken("secret"))
	require.NoError(t, err)
	assert.Equal(t, SignalingModeSDP, s.Mode())

	answer, err := s.Exchange(context.Background(), "offer-sdp")
	require.NoError(t, err)
	assert.Equal(t, "answer-sdp", answer)
}

func TestHTTPSignalerNonSuccess(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusUnauthorized, http.StatusFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("SDP exchange error"))
		}))
		s, err := NewHTTPSignaler(shared.NewNopLogger(), srv.URL)
		require.NoError(t, err)

		_, err = s.Exchange(context.Background(), "offer")
		assert.ErrorIs(t, err, shared.KindSignaling, "status %d", status)
		srv.Close()
	}
}

func TestHTTPSignalerEmptyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s, err := NewHTTPSignaler(shared.NewNopLogger(), srv.URL)
	require.NoError(t, err)
	_, err = s.Exchange(context.Background(), "offer")
	assert.ErrorIs(t, err, shared.KindSignaling)
}

func TestHTTPSignalerTimeoutAndCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	s, err := NewHTTPSignaler(shared.NewNopLogger(), srv.URL, WithRequestTimeout(50*time.Millisecond))
	require.NoError(t, err)
	_, err = s.Exchange(context.Background(), "offer")
	assert.ErrorIs(t, err, shared.KindTimeout)

	s, err = NewHTTPSignaler(shared.NewNopLogger(), srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = s.Exchange(ctx, "offer")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPSignalerMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		assert.Equal(t, "multipart/form-data", mediaType)

		parts := map[string]string{}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			b, _ := io.ReadAll(p)
			parts[p.FormName()] = string(b)
		}
		assert.Equal(t, "offer-sdp", parts["sdp"])
		assert.True(t, strings.Contains(parts["session"], `"gpt-realtime"`), parts["session"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("answer-sdp"))
	}))
	defer srv.Close()

	cfg := &realtime.RealtimeSessionCreateRequestParam{Model: "gpt-realtime"}
	s, err := NewHTTPSignaler(shared.NewNopLogger(), srv.URL, WithSessionConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, SignalingModeMultipart, s.Mode())

	answer, err := s.Exchange(context.Background(), "offer-sdp")
	require.NoError(t, err)
	assert.Equal(t, "answer-sdp", answer)
}

func TestNewHTTPSignalerValidates(t *testing.T) {
	_, err := NewHTTPSignaler(nil, "http://x")
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewHTTPSignaler(shared.NewNopLogger(), "")
	assert.ErrorIs(t, err, shared.ErrNoSignalingURL)
}
