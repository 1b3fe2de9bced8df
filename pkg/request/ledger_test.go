package request

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/iotsession/pkg/metrics"
)

func TestLedgerCreate(t *testing.T) {
	l := NewLedger()

	t.Run("RandomIDs", func(t *testing.T) {
		a, err := l.Create()
		require.NoError(t, err)
		b, err := l.Create()
		require.NoError(t, err)

		assert.NotEqual(t, a.ID, b.ID)
		_, err = uuid.Parse(a.ID)
		assert.NoError(t, err)
		assert.True(t, l.Contains(a.ID))
		assert.Equal(t, 2, l.Len())
	})

	t.Run("DuplicateID", func(t *testing.T) {
		_, err := l.CreateWithID("abc123")
		require.NoError(t, err)
		_, err = l.CreateWithID("abc123")
		assert.ErrorIs(t, err, ErrDuplicateRequest)
	})
}

func TestLedgerScenario(t *testing.T) {
	l := NewLedger()

	req, err := l.CreateWithID("abc123")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	resp := &Response{RequestID: "abc123", Status: 200, Body: []byte(`{"ok":true}`)}

	got := make(chan *Response, 1)
	go func() {
		r, err := req.Response(context.Background())
		if err == nil {
			got <- r
		}
	}()

	assert.True(t, l.Match(resp))
	select {
	case r := <-got:
		assert.Same(t, resp, r)
	case <-time.After(time.Second):
		t.Fatal("waiter not resumed")
	}
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Contains("abc123"))

	// A second read returns the same response.
	r, err := req.Response(context.Background())
	require.NoError(t, err)
	assert.Same(t, resp, r)
}

func TestLedgerMatchUnknown(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	l := NewLedger(WithMetrics(m))
	_, err = l.CreateWithID("known")
	require.NoError(t, err)

	assert.False(t, l.Match(&Response{RequestID: "stranger", Status: 200}))
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Contains("known"))

	// A duplicate response after a match is unknown as well.
	assert.True(t, l.Match(&Response{RequestID: "known"}))
	assert.False(t, l.Match(&Response{RequestID: "known"}))
	assert.Equal(t, 0, l.Len())
}

func TestLedgerMatchNil(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateWithID("known")
	require.NoError(t, err)

	assert.NotPanics(t, func() { assert.False(t, l.Match(nil)) })
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Contains("known"))
}

func TestLedgerResponseCancelled(t *testing.T) {
	l := NewLedger()
	req, err := l.Create()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = req.Response(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The entry stays until the caller deletes it.
	assert.True(t, l.Contains(req.ID))
	require.NoError(t, l.Delete(req.ID))
	assert.Equal(t, 0, l.Len())
}

func TestLedgerAbandon(t *testing.T) {
	l := NewLedger()
	req, err := l.Create()
	require.NoError(t, err)

	assert.True(t, l.Abandon(req.ID))
	assert.False(t, l.Abandon(req.ID))
	assert.False(t, l.Match(&Response{RequestID: req.ID}))
	assert.Equal(t, 0, l.Len())
}

func TestLedgerConcurrent(t *testing.T) {
	l := NewLedger()
	const n = 100

	reqs := make([]*Request, n)
	for i := range reqs {
		r, err := l.Create()
		require.NoError(t, err)
		reqs[i] = r
	}

	var wg sync.WaitGroup
	for _, r := range reqs {
		wg.Add(2)
		go func(r *Request) {
			defer wg.Done()
			_, err := r.Response(context.Background())
			assert.NoError(t, err)
		}(r)
		go func(r *Request) {
			defer wg.Done()
			l.Match(&Response{RequestID: r.ID, Status: 200})
		}(r)
	}
	wg.Wait()
	assert.Equal(t, 0, l.Len())
}
