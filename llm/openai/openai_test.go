package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteSendsSystemAndUser(t *testing.T) {
	var got struct {
		Model    string              `json:"model"`
		Messages []map[string]string `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := New("key", "").WithBaseURL(srv.URL)
	out, err := c.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	require.Equal(t, "hello", out)
	require.Equal(t, "gpt-4o", got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0]["role"])
	require.Equal(t, "usr", got.Messages[1]["content"])
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New("key", "m").WithBaseURL(srv.URL).Complete(context.Background(), "", "x")
	require.ErrorContains(t, err, "429")
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := New("key", "m").WithBaseURL(srv.URL).Complete(context.Background(), "", "x")
	require.ErrorContains(t, err, "no choices")
}
