package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAgentStreamDeliversEventsUntilFinal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		flusher, _ := w.(http.Flusher)
		fmt.Fprintln(w, `{"kind":"token","content":"hi"}`)
		flusher.Flush()
		fmt.Fprintln(w, `{"kind":"final"}`)
	}))
	defer server.Close()

	agent := newHTTPAgent(server.URL)
	ch, err := agent.Stream(context.Background(), "hello")
	require.NoError(t, err)

	var events []string
	for ev := range ch {
		events = append(events, ev.Kind)
	}
	assert.Equal(t, []string{"token", "final"}, events)
}

func TestHTTPAgentStreamSurfacesNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	agent := newHTTPAgent(server.URL)
	_, err := agent.Stream(context.Background(), "hello")
	assert.Error(t, err)
}

func TestHTTPAgentHealthReflectsEndpoint(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	agent := newHTTPAgent(server.URL)
	result, err := agent.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	healthy = false
	result, err = agent.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.NotEmpty(t, result.Error)
}

func TestHTTPAgentShutdownPostsToEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	agent := newHTTPAgent(server.URL)
	require.NoError(t, agent.Shutdown(context.Background()))
	assert.Equal(t, "/shutdown", gotPath)
}

func TestHTTPAgentStreamPropagatesMalformedLineAsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `not-json`)
	}))
	defer server.Close()

	agent := newHTTPAgent(server.URL)
	ch, err := agent.Stream(context.Background(), "hello")
	require.NoError(t, err)

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "error", ev.Kind)
	assert.Error(t, ev.Err)

	_, stillOpen := <-ch
	assert.False(t, stillOpen)
}
