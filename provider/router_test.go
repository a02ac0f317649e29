package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/forgegate/provider"
	_ "github.com/c360studio/forgegate/provider/codecs"
)

// okHandler responds like an OpenAI-compatible backend.
func okHandler(model, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"model": model,
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"total_tokens": 42},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func fastRetry() provider.RetryConfig {
	return provider.RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}
}

func TestSelectOrdersByCostThenMatch(t *testing.T) {
	router := provider.NewRouter([]provider.Provider{
		{Name: "expensive", Codec: "ollama", Cost: 5, Capabilities: []string{"codegen"}},
		{Name: "cheap-weak", Codec: "ollama", Cost: 1, Capabilities: []string{"codegen"}},
		{Name: "cheap-strong", Codec: "ollama", Cost: 1, Capabilities: []string{"codegen", "planning"}},
	}, nil, nil)

	sel, err := router.Select([]string{"codegen", "planning"})
	require.NoError(t, err)

	first, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, "cheap-strong", first.Name)

	second, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, "cheap-weak", second.Name)

	third, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, "expensive", third.Name)

	_, err = sel.Next()
	assert.ErrorIs(t, err, provider.ErrExhausted)
}

func TestSelectExcludesCapabilityMismatch(t *testing.T) {
	router := provider.NewRouter([]provider.Provider{
		{Name: "writer", Codec: "ollama", Cost: 1, Capabilities: []string{"writing"}},
	}, nil, nil)

	_, err := router.Select([]string{"codegen"})
	assert.ErrorIs(t, err, provider.ErrExhausted)
}

func TestGenerateFallsBackDeterministically(t *testing.T) {
	// Provider A replies 429; the router must advance to B within the
	// same request, not restart from A.
	var aCalls, bCalls atomic.Int32
	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aCalls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer serverA.Close()
	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bCalls.Add(1)
		okHandler("model-b", "output")(w, r)
	}))
	defer serverB.Close()

	client := provider.NewClient(provider.WithRetryConfig(fastRetry()))
	router := provider.NewRouter([]provider.Provider{
		{Name: "a", Codec: "ollama", URL: serverA.URL, Cost: 1, Capabilities: []string{"codegen"}},
		{Name: "b", Codec: "ollama", URL: serverB.URL, Cost: 2, Capabilities: []string{"codegen"}},
	}, client, nil)

	result, err := router.Generate(context.Background(), provider.Request{
		Capabilities: []string{"codegen"},
		Messages:     []provider.Message{{Role: "user", Content: "produce X"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "output", result.Content)
	assert.Equal(t, "model-b", result.Model)
	// A was retried within its own bound, then abandoned for the request.
	assert.Equal(t, int32(2), aCalls.Load())
	assert.Equal(t, int32(1), bCalls.Load())
}

func TestGenerateFatalSkipsRetries(t *testing.T) {
	var aCalls atomic.Int32
	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer serverA.Close()
	serverB := httptest.NewServer(okHandler("model-b", "output"))
	defer serverB.Close()

	client := provider.NewClient(provider.WithRetryConfig(fastRetry()))
	router := provider.NewRouter([]provider.Provider{
		{Name: "a", Codec: "ollama", URL: serverA.URL, Cost: 1, Capabilities: []string{"codegen"}},
		{Name: "b", Codec: "ollama", URL: serverB.URL, Cost: 2, Capabilities: []string{"codegen"}},
	}, client, nil)

	result, err := router.Generate(context.Background(), provider.Request{
		Capabilities: []string{"codegen"},
		Messages:     []provider.Message{{Role: "user", Content: "produce X"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "output", result.Content)
	// Auth failures are not retried on the same provider.
	assert.Equal(t, int32(1), aCalls.Load())
}

func TestGenerateCallHookRecordsOutcomes(t *testing.T) {
	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer serverA.Close()
	serverB := httptest.NewServer(okHandler("model-b", "output"))
	defer serverB.Close()

	type call struct{ provider, outcome string }
	var calls []call

	client := provider.NewClient(provider.WithRetryConfig(fastRetry()))
	router := provider.NewRouter([]provider.Provider{
		{Name: "a", Codec: "ollama", URL: serverA.URL, Cost: 1, Capabilities: []string{"codegen"}},
		{Name: "b", Codec: "ollama", URL: serverB.URL, Cost: 2, Capabilities: []string{"codegen"}},
	}, client, nil, provider.WithCallHook(func(name, outcome string) {
		calls = append(calls, call{provider: name, outcome: outcome})
	}))

	_, err := router.Generate(context.Background(), provider.Request{
		Capabilities: []string{"codegen"},
		Messages:     []provider.Message{{Role: "user", Content: "produce X"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []call{{"a", "failed"}, {"b", "succeeded"}}, calls)
}

func TestGenerateExhaustedWhenAllFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := provider.NewClient(provider.WithRetryConfig(fastRetry()))
	router := provider.NewRouter([]provider.Provider{
		{Name: "only", Codec: "ollama", URL: server.URL, Cost: 1, Capabilities: []string{"codegen"}},
	}, client, nil)

	_, err := router.Generate(context.Background(), provider.Request{
		Capabilities: []string{"codegen"},
		Messages:     []provider.Message{{Role: "user", Content: "produce X"}},
	})
	assert.ErrorIs(t, err, provider.ErrExhausted)
}
