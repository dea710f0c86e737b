package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/morezero/repository-bus/pkg/apperror"
)

const clientTestPrefix = "bus:client_test"

func TestClient_NoResponders(t *testing.T) {
	nc := startTestServer(t)
	client := NewClient(nc, ClientOptions{Timeout: time.Second})

	_, err := client.Call(context.Background(), "nobody.listens", nil, nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("%s - err = %v, want *TransportError", clientTestPrefix, err)
	}
	if !errors.Is(err, comms.ErrNoResponders) {
		t.Errorf("%s - err = %v, want ErrNoResponders in chain", clientTestPrefix, err)
	}
	if apperror.CodeOf(err) != apperror.CodeServiceError {
		t.Errorf("%s - transport failure code = %q, want %q", clientTestPrefix, apperror.CodeOf(err), apperror.CodeServiceError)
	}
}

func TestClient_DefaultTimeoutApplies(t *testing.T) {
	nc := startTestServer(t)
	release := make(chan struct{})
	defer close(release)

	startEndpoints(t, nc, map[string]Handler{
		"test.slow": func(ctx context.Context, _ *Envelope) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "late", nil
		},
	})

	client := NewClient(nc, ClientOptions{Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := client.Call(context.Background(), "test.slow", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s - err = %v, want deadline exceeded", clientTestPrefix, err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("%s - call took %v, default timeout not applied", clientTestPrefix, elapsed)
	}
}

func TestClient_RawBodyPassesThrough(t *testing.T) {
	nc := startTestServer(t)
	startEndpoints(t, nc, map[string]Handler{
		"test.raw": func(_ context.Context, env *Envelope) (any, error) {
			return env.Body, nil
		},
	})

	client := NewClient(nc, ClientOptions{})
	raw, err := client.Call(context.Background(), "test.raw", nil, json.RawMessage(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("%s - Call failed: %v", clientTestPrefix, err)
	}
	if string(raw) != `{"k":"v"}` {
		t.Errorf("%s - reply = %s", clientTestPrefix, raw)
	}
}

func TestClient_UnexpectedReplyShape(t *testing.T) {
	nc := startTestServer(t)
	startEndpoints(t, nc, map[string]Handler{
		"test.array": func(context.Context, *Envelope) (any, error) {
			return []int{1, 2}, nil
		},
	})

	client := NewClient(nc, ClientOptions{})
	var out map[string]any
	if err := client.CallInto(context.Background(), "test.array", nil, nil, &out); err == nil {
		t.Fatalf("%s - expected decode error for array reply into object", clientTestPrefix)
	}
}

func TestMetrics_RecordsCallsAndHandling(t *testing.T) {
	nc := startTestServer(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	if err := m.Register(); err != nil {
		t.Fatalf("%s - Register failed: %v", clientTestPrefix, err)
	}
	if err := m.Register(); err != nil {
		t.Fatalf("%s - second Register failed: %v", clientTestPrefix, err)
	}

	e := NewEndpoints(nc, EndpointsOptions{Metrics: m})
	defer e.Close()
	e.Register("test.metrics", func(context.Context, *Envelope) (any, error) { return "ok", nil })
	if err := e.AwaitAll(context.Background()); err != nil {
		t.Fatalf("%s - AwaitAll failed: %v", clientTestPrefix, err)
	}

	client := NewClient(nc, ClientOptions{Metrics: m})
	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), "test.metrics", nil, nil); err != nil {
			t.Fatalf("%s - Call failed: %v", clientTestPrefix, err)
		}
	}

	if got := testutil.ToFloat64(m.callsTotal.WithLabelValues("test.metrics", OutcomeSuccess)); got != 3 {
		t.Errorf("%s - calls_total = %v, want 3", clientTestPrefix, got)
	}
	if got := testutil.ToFloat64(m.handledTotal.WithLabelValues("test.metrics", "200")); got != 3 {
		t.Errorf("%s - handled_total = %v, want 3", clientTestPrefix, got)
	}
	if got := testutil.ToFloat64(m.registeredTotal.WithLabelValues("test.metrics", "ok")); got != 1 {
		t.Errorf("%s - registrations_total = %v, want 1", clientTestPrefix, got)
	}
}
