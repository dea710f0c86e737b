package repository

import (
	"context"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/repository-bus/pkg/apperror"
	"github.com/morezero/repository-bus/pkg/bus"
	"github.com/morezero/repository-bus/pkg/store"
)

const widgetModel = "test.Widget"

type widget struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	Size int    `json:"size,omitempty"`
}

func (widget) ModelName() string { return widgetModel }

func (w widget) Validate(context.Context) *apperror.ValidationError {
	v := apperror.NewValidation("widget is invalid", "")
	if w.Name == "" {
		v.AddError("name", "required")
	}
	return v
}

func startTestConn(t *testing.T) *comms.Conn {
	t.Helper()

	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   commsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("repository:helpers_test - failed to create server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("repository:helpers_test - server failed to start")
	}
	nc, err := comms.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("repository:helpers_test - failed to connect: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc
}

type fixture struct {
	store  *store.Memory
	sender *Sender
}

// startService runs a Service over an in-memory store with widgetModel bound to "widgets".
func startService(t *testing.T, opts ServiceOptions) *fixture {
	t.Helper()

	nc := startTestConn(t)
	st := store.NewMemory()
	catalog := NewCatalog()
	catalog.Bind(widgetModel, "widgets")

	endpoints := bus.NewEndpoints(nc, bus.EndpointsOptions{Queue: "repository"})
	svc, err := NewService(st, catalog, endpoints, opts)
	if err != nil {
		t.Fatalf("repository:helpers_test - NewService: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.Register(ctx)
	if err := endpoints.AwaitAll(ctx); err != nil {
		t.Fatalf("repository:helpers_test - AwaitAll: %v", err)
	}
	t.Cleanup(endpoints.Close)

	client := bus.NewClient(nc, bus.ClientOptions{Timeout: 5 * time.Second})
	return &fixture{
		store:  st,
		sender: NewSender(client, SenderOptions{Namespace: opts.Namespace}),
	}
}

// replyError asserts err is a failure reply and decodes its payload.
func replyError(t *testing.T, err error) (int, *apperror.Error) {
	t.Helper()
	re, ok := err.(*bus.ReplyError)
	if !ok {
		t.Fatalf("repository:helpers_test - expected *bus.ReplyError, got %T: %v", err, err)
	}
	decoded, decErr := apperror.Decode(re.Payload)
	if decErr != nil {
		t.Fatalf("repository:helpers_test - payload %q not decodable: %v", re.Payload, decErr)
	}
	return re.Status, decoded
}
