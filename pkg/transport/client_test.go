package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsJSONPayload(t *testing.T) {
	var gotBody map[string]any
	var gotContentType, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Trace")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sum":50}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{})
	resp, err := client.Send(context.Background(), Request{
		Method:      http.MethodPost,
		URL:         srv.URL + "/sum",
		Headers:     map[string]string{"X-Trace": "t-1"},
		Body:        map[string]any{"numbers": []any{5, 10, 15, 20}},
		ContentType: domain.ContentTypeJSON,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"sum":50}`, string(resp.Body))
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "t-1", gotCustom)
	assert.Equal(t, map[string]any{"numbers": []any{float64(5), float64(10), float64(15), float64(20)}}, gotBody)
}

func TestSendAuthentication(t *testing.T) {
	var gotAuth string
	var user, pass string
	var basicOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		user, pass, basicOK = r.BasicAuth()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{})

	_, err := client.Send(context.Background(), Request{Method: http.MethodGet, URL: srv.URL, Auth: domain.Authentication{Kind: domain.AuthToken, Token: "tkn"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tkn", gotAuth)

	_, err = client.Send(context.Background(), Request{Method: http.MethodGet, URL: srv.URL, Auth: domain.Authentication{Kind: domain.AuthBasic, Username: "u", Password: "p"}})
	require.NoError(t, err)
	assert.True(t, basicOK)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
}

func TestSendClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(Config{}).Send(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHTTPStatus)
	assert.NotErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, http.StatusNotFound, StatusCodeOf(err))
}

func TestSendTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(Config{Timeout: time.Second}).Send(context.Background(), Request{Method: http.MethodGet, URL: url})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, 0, StatusCodeOf(err))
}

func TestSendHonoursTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewHTTPClient(Config{Timeout: 50 * time.Millisecond}).Send(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	assert.ErrorIs(t, err, domain.ErrTransport)
}
