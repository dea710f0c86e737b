package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/repository-bus/pkg/commsutil"
)

const clientLogPrefix = "bus:client"

// ClientOptions configures Client.
type ClientOptions struct {
	// Timeout applies to calls whose context has no deadline.
	Timeout time.Duration
	Metrics *Metrics
}

// Client issues request/reply calls to bus addresses.
type Client struct {
	conn    Conn
	timeout time.Duration
	metrics *Metrics
}

// NewClient creates a Client on conn.
func NewClient(conn Conn, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	return &Client{conn: conn, timeout: opts.Timeout, metrics: opts.Metrics}
}

// Call sends body to address with headers attached as message headers and waits for the
// reply. Only the given header keys are sent. A nil body is sent as an empty message; any
// other value is encoded as JSON unless it already is json.RawMessage.
//
// A failure reply is returned as *ReplyError carrying the far endpoint's status and payload.
// Delivery problems (no responders, timeout, closed connection) are returned as *TransportError.
func (c *Client) Call(ctx context.Context, address string, headers map[string]string, body any) (json.RawMessage, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode body for %s: %w", clientLogPrefix, address, err)
	}

	msg := comms.NewMsg(address)
	msg.Data = data
	for k, v := range headers {
		msg.Header[k] = []string{v}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	slog.Debug(fmt.Sprintf("%s - call %s headers=%v", clientLogPrefix, address, headers))

	start := time.Now()
	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		c.metrics.recordCall(address, OutcomeTransport, time.Since(start))
		return nil, &TransportError{Address: address, Err: err}
	}
	if status, failed := failureStatus(reply); failed {
		c.metrics.recordCall(address, OutcomeFailure, time.Since(start))
		return nil, &ReplyError{Address: address, Status: status, Payload: string(reply.Data)}
	}
	c.metrics.recordCall(address, OutcomeSuccess, time.Since(start))
	return json.RawMessage(reply.Data), nil
}

// CallInto performs Call and decodes the reply body into out.
func (c *Client) CallInto(ctx context.Context, address string, headers map[string]string, body, out any) error {
	raw, err := c.Call(ctx, address, headers, body)
	if err != nil {
		return err
	}
	if err := commsutil.DecodePayload(raw, out); err != nil {
		return fmt.Errorf("%s - unexpected reply shape from %s: %w", clientLogPrefix, address, err)
	}
	return nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	default:
		return commsutil.EncodePayload(b)
	}
}
