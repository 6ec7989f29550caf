package moltbook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int) (*Client, *[]time.Duration) {
	t.Helper()
	var mu sync.Mutex
	slept := []time.Duration{}
	c := New(Config{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		UserAgent:         "moltgraph-test/0",
		RequestsPerMinute: 60000,
		MaxRetries:        maxRetries,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        100 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
			return nil
		},
	}, nil)
	return c, &slept
}

func TestFetchRetriesTransientUntilExhausted(t *testing.T) {
	t.Parallel()

	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, 5)
	_, err := c.Fetch(context.Background(), "/posts", nil)

	require.Error(t, err)
	require.True(t, IsTransient(err), "expected TransientError, got %v", err)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 5, te.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, 5, attempts, "each attempt must hit the upstream once")
	assert.Len(t, *slept, 4, "the final attempt surfaces the error with no trailing backoff")
}

func TestBackoffDelaysIncrease(t *testing.T) {
	t.Parallel()

	p := NewBackoffPolicy(100*time.Millisecond, 10*time.Second)
	prevMax := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Delay(attempt)
		// Delay is half the schedule plus jitter in [0, half): the floor of
		// attempt n+1 equals the ceiling of attempt n, so the schedule is
		// strictly increasing attempt over attempt.
		floor := time.Duration(float64(100*time.Millisecond) / 2 * float64(int(1)<<attempt))
		assert.GreaterOrEqual(t, d, floor, "attempt %d", attempt)
		assert.Less(t, d, 2*floor+time.Millisecond, "attempt %d", attempt)
		assert.GreaterOrEqual(t, floor, prevMax/2, "schedule must not regress")
		prevMax = 2 * floor
	}
}

func TestFetchPermanentFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 5)
	_, err := c.Fetch(context.Background(), "/posts/nope", nil)

	require.Error(t, err)
	require.True(t, IsPermanent(err))
	var pe *PermanentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusNotFound, pe.StatusCode)
	assert.Equal(t, 1, attempts, "permanent failures must not retry")
}

func TestFetchHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"success": true, "posts": []}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, 5)
	_, err := c.Fetch(context.Background(), "/posts", nil)

	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 3*time.Second, (*slept)[0], "Retry-After must override the backoff schedule")
}

func TestFetchDoesNotSleepAfterFinalAttempt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "300")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, 2)
	_, err := c.Fetch(context.Background(), "/posts", nil)

	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.Len(t, *slept, 1, "a multi-minute Retry-After must not delay the exhausted error")
	assert.Equal(t, 5*time.Minute, (*slept)[0])
}

func TestFetchMalformedEnvelopeIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`"just a string"`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3)
	_, err := c.Fetch(context.Background(), "/posts", nil)
	require.True(t, IsPermanent(err), "malformed envelope must be permanent, got %v", err)
}

func TestFetchSendsAuthAndUserAgent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "moltgraph-test/0", r.Header.Get("User-Agent"))
		w.Write([]byte(`{"success": true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3)
	_, err := c.Fetch(context.Background(), "/agents/me", nil)
	require.NoError(t, err)
}

func TestPagesWalksOffsets(t *testing.T) {
	t.Parallel()

	// Three pages of two posts each, served by offset.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		hasMore := offset < 4
		body := `{"success": true, "posts": [{"id": "p` + strconv.Itoa(offset) + `"}, {"id": "p` + strconv.Itoa(offset+1) + `"}], ` +
			`"has_more": ` + strconv.FormatBool(hasMore) + `, "next_offset": ` + strconv.Itoa(offset+2) + `}`
		w.Write([]byte(body)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3)
	it := c.Pages("/posts", url.Values{"sort": {"new"}}, PageOptions{
		PageSize: 2,
		ListKeys: []string{"posts"},
	})

	var ids []string
	var offsets []int
	for it.Next(context.Background()) {
		page := it.Page()
		offsets = append(offsets, page.Offset)
		for _, item := range page.Items {
			ids = append(ids, item["id"].(string))
		}
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int{0, 2, 4}, offsets)
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4", "p5"}, ids)
}

func TestPagesResumesFromCheckpointOffset(t *testing.T) {
	t.Parallel()

	var seenOffsets []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		seenOffsets = append(seenOffsets, offset)
		w.Write([]byte(`{"success": true, "posts": [{"id": "x"}], "has_more": false}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3)
	it := c.Pages("/posts", nil, PageOptions{
		StartOffset: 40,
		PageSize:    1,
		ListKeys:    []string{"posts"},
	})
	require.True(t, it.Next(context.Background()))
	require.NoError(t, it.Err())
	assert.Equal(t, []int{40}, seenOffsets, "sequence must restart at the checkpointed offset")
}

func TestPagesRespectsPageCeiling(t *testing.T) {
	t.Parallel()

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		w.Write([]byte(`{"success": true, "posts": [{"id": "p` + strconv.Itoa(offset) + `"}], "has_more": true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3)
	it := c.Pages("/posts", nil, PageOptions{PageSize: 1, MaxPages: 3, ListKeys: []string{"posts"}})
	pages := 0
	for it.Next(context.Background()) {
		pages++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 3, pages)
	assert.Equal(t, 3, requests)
}

func TestParseEnvelopeShapes(t *testing.T) {
	t.Parallel()

	env, err := ParseEnvelope([]byte(`{"success": true, "count": 2, "has_more": true, "next_offset": 50, "submolts": [{"name": "golang"}]}`))
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.Equal(t, 2, env.Count)
	assert.True(t, env.HasMore)
	require.NotNil(t, env.NextOffset)
	assert.Equal(t, 50, *env.NextOffset)
	require.Len(t, env.List("submolts", "data"), 1)

	// Bare array responses (the comments endpoint) are accepted.
	env, err = ParseEnvelope([]byte(`[{"id": "c1"}, {"id": "c2"}]`))
	require.NoError(t, err)
	assert.Len(t, env.List("comments"), 2)

	// Empty bodies happen on some endpoints; treat as an empty envelope.
	env, err = ParseEnvelope(nil)
	require.NoError(t, err)
	assert.Empty(t, env.List("data"))
}

func TestRateGateBlocksBetweenRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success": true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	// 600 rpm = one token per 100ms with burst 1.
	c := New(Config{
		BaseURL:           srv.URL,
		RequestsPerMinute: 600,
		MaxRetries:        1,
	}, nil)

	ctx := context.Background()
	_, err := c.Fetch(ctx, "/posts", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Fetch(ctx, "/posts", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "second request must wait for a token")
}
