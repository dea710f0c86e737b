package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// startTestServer starts an in-process NATS server on a random port and connects to it.
func startTestServer(t *testing.T) *comms.Conn {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   commsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("bus:helpers_test - failed to create server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("bus:helpers_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("bus:helpers_test - failed to connect: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

var errInjected = errors.New("injected subscribe failure")

// faultyConn fails subscriptions to one subject.
type faultyConn struct {
	*comms.Conn
	failSubject string
}

func (c *faultyConn) QueueSubscribe(subject, queue string, cb comms.MsgHandler) (*comms.Subscription, error) {
	if subject == c.failSubject {
		return nil, errInjected
	}
	return c.Conn.QueueSubscribe(subject, queue, cb)
}

// startEndpoints registers handlers and waits for the aggregate join.
func startEndpoints(t *testing.T, conn Conn, handlers map[string]Handler) *Endpoints {
	t.Helper()

	e := NewEndpoints(conn, EndpointsOptions{Queue: "test"})
	for address, h := range handlers {
		e.Register(address, h)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.AwaitAll(ctx); err != nil {
		t.Fatalf("bus:helpers_test - AwaitAll failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}
