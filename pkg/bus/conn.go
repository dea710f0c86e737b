package bus

import (
	"context"
	"time"

	comms "github.com/nats-io/nats.go"
)

// Conn is the part of the bus substrate this package needs. *nats.Conn satisfies it.
type Conn interface {
	QueueSubscribe(subject, queue string, cb comms.MsgHandler) (*comms.Subscription, error)
	FlushTimeout(timeout time.Duration) error
	RequestMsgWithContext(ctx context.Context, msg *comms.Msg) (*comms.Msg, error)
}

var _ Conn = (*comms.Conn)(nil)
