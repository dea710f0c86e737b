package bus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/repository-bus/pkg/apperror"
)

const endpointsTestPrefix = "bus:endpoints_test"

func TestEndpoints_RegisterAndCall(t *testing.T) {
	nc := startTestServer(t)

	startEndpoints(t, nc, map[string]Handler{
		"test.echo": func(_ context.Context, env *Envelope) (any, error) {
			_, hasUpsert := env.Header("upsert")
			model, _ := env.Header("model")
			var body map[string]any
			if err := env.Decode(&body); err != nil {
				return nil, err
			}
			return map[string]any{"model": model, "hasUpsert": hasUpsert, "body": body, "hasBody": env.HasBody()}, nil
		},
	})

	client := NewClient(nc, ClientOptions{})
	var got struct {
		Model     string         `json:"model"`
		HasUpsert bool           `json:"hasUpsert"`
		Body      map[string]any `json:"body"`
		HasBody   bool           `json:"hasBody"`
	}
	err := client.CallInto(context.Background(), "test.echo", map[string]string{"model": "order"}, map[string]any{"name": "x"}, &got)
	if err != nil {
		t.Fatalf("%s - CallInto failed: %v", endpointsTestPrefix, err)
	}
	if got.Model != "order" {
		t.Errorf("%s - model = %q, want order", endpointsTestPrefix, got.Model)
	}
	if got.HasUpsert {
		t.Errorf("%s - upsert header should be absent", endpointsTestPrefix)
	}
	if !got.HasBody || got.Body["name"] != "x" {
		t.Errorf("%s - body = %v", endpointsTestPrefix, got.Body)
	}

	// A nil body arrives as absent.
	if err := client.CallInto(context.Background(), "test.echo", nil, nil, &got); err != nil {
		t.Fatalf("%s - CallInto failed: %v", endpointsTestPrefix, err)
	}
	if got.HasBody {
		t.Errorf("%s - nil body should arrive absent", endpointsTestPrefix)
	}
}

func TestEndpoints_FailureReplies(t *testing.T) {
	nc := startTestServer(t)

	startEndpoints(t, nc, map[string]Handler{
		"test.app": func(context.Context, *Envelope) (any, error) {
			return nil, apperror.New("bad input", "test.bad", "field")
		},
		"test.notfound": func(context.Context, *Envelope) (any, error) {
			return nil, Fail(http.StatusNotFound, apperror.New("Order Not Found", "repository.notFound.error"))
		},
		"test.plain": func(context.Context, *Envelope) (any, error) {
			return nil, errors.New("disk full")
		},
		"test.panic": func(context.Context, *Envelope) (any, error) {
			panic("boom")
		},
	})
	client := NewClient(nc, ClientOptions{})

	tests := []struct {
		address    string
		wantStatus int
		wantCode   string
	}{
		{"test.app", http.StatusBadRequest, "test.bad"},
		{"test.notfound", http.StatusNotFound, "repository.notFound.error"},
		{"test.plain", http.StatusBadRequest, apperror.CodeServiceError},
		{"test.panic", http.StatusInternalServerError, apperror.CodeServiceError},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			_, err := client.Call(context.Background(), tt.address, nil, nil)
			var re *ReplyError
			if !errors.As(err, &re) {
				t.Fatalf("%s - err = %v, want *ReplyError", endpointsTestPrefix, err)
			}
			if re.Status != tt.wantStatus {
				t.Errorf("%s - status = %d, want %d", endpointsTestPrefix, re.Status, tt.wantStatus)
			}
			decoded, derr := apperror.Decode(re.Payload)
			if derr != nil {
				t.Fatalf("%s - payload %q not decodable: %v", endpointsTestPrefix, re.Payload, derr)
			}
			if decoded.Code != tt.wantCode {
				t.Errorf("%s - code = %q, want %q", endpointsTestPrefix, decoded.Code, tt.wantCode)
			}
			if StatusOf(err) != tt.wantStatus {
				t.Errorf("%s - StatusOf = %d, want %d", endpointsTestPrefix, StatusOf(err), tt.wantStatus)
			}
		})
	}
}

func TestEndpoints_NestedFailureIsNotDoubleWrapped(t *testing.T) {
	nc := startTestServer(t)
	client := NewClient(nc, ClientOptions{})

	startEndpoints(t, nc, map[string]Handler{
		"test.inner": func(context.Context, *Envelope) (any, error) {
			return nil, Fail(http.StatusNotFound, apperror.New("Order Not Found", "repository.notFound.error"))
		},
		"test.outer": func(ctx context.Context, _ *Envelope) (any, error) {
			return client.Call(ctx, "test.inner", nil, nil)
		},
	})

	_, err := client.Call(context.Background(), "test.outer", nil, nil)
	var re *ReplyError
	if !errors.As(err, &re) {
		t.Fatalf("%s - err = %v, want *ReplyError", endpointsTestPrefix, err)
	}
	if re.Status != http.StatusNotFound {
		t.Errorf("%s - status = %d, want propagated 404", endpointsTestPrefix, re.Status)
	}
	want := apperror.New("Order Not Found", "repository.notFound.error").Encode()
	if re.Payload != want {
		t.Errorf("%s - payload = %s, want %s", endpointsTestPrefix, re.Payload, want)
	}
}

func TestEndpoints_RefusesBeforeReady(t *testing.T) {
	nc := startTestServer(t)

	e := NewEndpoints(nc, EndpointsOptions{Queue: "test"})
	defer e.Close()
	e.Register("test.early", func(context.Context, *Envelope) (any, error) {
		return "ok", nil
	})
	client := NewClient(nc, ClientOptions{Timeout: time.Second})

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := client.Call(context.Background(), "test.early", nil, nil)
		var re *ReplyError
		if errors.As(err, &re) {
			if re.Status != http.StatusServiceUnavailable {
				t.Fatalf("%s - status = %d, want 503", endpointsTestPrefix, re.Status)
			}
			if apperror.CodeOf(err) != apperror.CodeUnavailable {
				t.Errorf("%s - code = %q, want %q", endpointsTestPrefix, apperror.CodeOf(err), apperror.CodeUnavailable)
			}
			break
		}
		if err == nil {
			t.Fatalf("%s - request served before AwaitAll", endpointsTestPrefix)
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s - endpoint never became routable: %v", endpointsTestPrefix, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if e.Ready() {
		t.Errorf("%s - Ready should be false before AwaitAll", endpointsTestPrefix)
	}
	if err := e.AwaitAll(context.Background()); err != nil {
		t.Fatalf("%s - AwaitAll failed: %v", endpointsTestPrefix, err)
	}
	raw, err := client.Call(context.Background(), "test.early", nil, nil)
	if err != nil {
		t.Fatalf("%s - call after ready failed: %v", endpointsTestPrefix, err)
	}
	if string(raw) != `"ok"` {
		t.Errorf("%s - reply = %s, want \"ok\"", endpointsTestPrefix, raw)
	}
}

func TestEndpoints_AwaitAllFailsWithRegistrationCause(t *testing.T) {
	nc := startTestServer(t)
	conn := &faultyConn{Conn: nc, failSubject: "repository.count"}

	addresses := []string{"repository.save", "repository.findOne", "repository.count", "repository.findAll"}
	e := NewEndpoints(conn, EndpointsOptions{Queue: "test"})
	defer e.Close()
	for _, address := range addresses {
		e.Register(address, func(context.Context, *Envelope) (any, error) {
			return "served", nil
		})
	}

	err := e.AwaitAll(context.Background())
	if !errors.Is(err, errInjected) {
		t.Fatalf("%s - err = %v, want injected cause", endpointsTestPrefix, err)
	}
	if e.Ready() {
		t.Errorf("%s - Ready should be false after a failed join", endpointsTestPrefix)
	}

	client := NewClient(nc, ClientOptions{Timeout: 500 * time.Millisecond})
	time.Sleep(100 * time.Millisecond)
	for _, address := range addresses {
		if _, err := client.Call(context.Background(), address, nil, nil); err == nil {
			t.Errorf("%s - %s served a request after a failed startup", endpointsTestPrefix, address)
		}
	}
}

func TestEndpoints_StartupTaskFailure(t *testing.T) {
	nc := startTestServer(t)
	taskErr := errors.New("collection binding missing")

	e := NewEndpoints(nc, EndpointsOptions{})
	defer e.Close()
	e.Register("test.a", func(context.Context, *Envelope) (any, error) { return nil, nil })
	e.AddStartupTask(func() error { return taskErr })

	if err := e.AwaitAll(context.Background()); !errors.Is(err, taskErr) {
		t.Fatalf("%s - err = %v, want task error", endpointsTestPrefix, err)
	}
}

func TestEndpoints_AwaitAllOnce(t *testing.T) {
	nc := startTestServer(t)

	e := NewEndpoints(nc, EndpointsOptions{})
	defer e.Close()
	e.AddStartupTask(func() error { return nil })

	if err := e.AwaitAll(context.Background()); err != nil {
		t.Fatalf("%s - first AwaitAll failed: %v", endpointsTestPrefix, err)
	}
	if !e.Ready() {
		t.Errorf("%s - Ready should be true", endpointsTestPrefix)
	}
	if err := e.AwaitAll(context.Background()); !errors.Is(err, ErrAlreadyAwaited) {
		t.Errorf("%s - second AwaitAll err = %v, want ErrAlreadyAwaited", endpointsTestPrefix, err)
	}
}

func TestEndpoints_DuplicateAddress(t *testing.T) {
	nc := startTestServer(t)

	e := NewEndpoints(nc, EndpointsOptions{})
	defer e.Close()
	h := func(context.Context, *Envelope) (any, error) { return nil, nil }
	e.Register("test.dup", h)
	e.Register("test.dup", h)

	if err := e.AwaitAll(context.Background()); !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("%s - err = %v, want ErrDuplicateAddress", endpointsTestPrefix, err)
	}
}

func TestEndpoints_AwaitAllContextCancelled(t *testing.T) {
	nc := startTestServer(t)

	e := NewEndpoints(nc, EndpointsOptions{})
	defer e.Close()
	block := make(chan struct{})
	defer close(block)
	e.AddStartupTask(func() error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.AwaitAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s - err = %v, want deadline exceeded", endpointsTestPrefix, err)
	}
}

func TestEnvelopeFromMsg(t *testing.T) {
	msg := comms.NewMsg("repository.findAll")
	msg.Header["model"] = []string{"order"}
	msg.Data = []byte("null")

	env := envelopeFromMsg(msg)
	if env.HasBody() {
		t.Errorf("%s - null body should be absent", endpointsTestPrefix)
	}
	if v, ok := env.Header("model"); !ok || v != "order" {
		t.Errorf("%s - model header = %q, %v", endpointsTestPrefix, v, ok)
	}
	if _, ok := env.Header("multi"); ok {
		t.Errorf("%s - multi header should be absent", endpointsTestPrefix)
	}

	msg.Data = json.RawMessage(`{"a":1}`)
	if env := envelopeFromMsg(msg); string(env.Body) != `{"a":1}` {
		t.Errorf("%s - body = %s", endpointsTestPrefix, env.Body)
	}
}

func TestEndpoints_MaxConcurrentBoundsHandlers(t *testing.T) {
	nc := startTestServer(t)

	var inFlight, peak atomic.Int32
	e := NewEndpoints(nc, EndpointsOptions{Queue: "test", MaxConcurrent: 2})
	e.Register("test.slow", func(context.Context, *Envelope) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return map[string]bool{"ok": true}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.AwaitAll(ctx); err != nil {
		t.Fatalf("%s - AwaitAll: %v", endpointsTestPrefix, err)
	}
	t.Cleanup(e.Close)

	client := NewClient(nc, ClientOptions{Timeout: 5 * time.Second})
	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Call(ctx, "test.slow", nil, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("%s - call failed: %v", endpointsTestPrefix, err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("%s - %d handlers ran at once, want at most 2", endpointsTestPrefix, got)
	}
}
