// Package bus provides addressed request/reply messaging over NATS: endpoint registration with
// an aggregate startup join, a request client, and the failure reply convention.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/repository-bus/pkg/commsutil"
)

// HeaderStatus marks a reply as a failure and carries its status code. The failure payload
// is the reply body.
const HeaderStatus = "Bus-Status"

// DefaultFailureStatus is used for handler errors that do not carry a status.
const DefaultFailureStatus = http.StatusBadRequest

// Envelope is a request delivered to an endpoint.
type Envelope struct {
	Address string
	Headers map[string]string
	// Body is nil when the request carried no body or a JSON null.
	Body json.RawMessage
}

// Header returns the value of key and whether it was sent at all.
func (e *Envelope) Header(key string) (string, bool) {
	v, ok := e.Headers[key]
	return v, ok
}

// HasBody reports whether the request carried a body.
func (e *Envelope) HasBody() bool {
	return len(e.Body) > 0
}

// Decode unmarshals the body into v. An absent body leaves v untouched.
func (e *Envelope) Decode(v any) error {
	if !e.HasBody() {
		return nil
	}
	return commsutil.DecodePayload(e.Body, v)
}

func envelopeFromMsg(msg *comms.Msg) *Envelope {
	env := &Envelope{Address: msg.Subject, Headers: make(map[string]string, len(msg.Header))}
	for k, v := range msg.Header {
		if len(v) > 0 {
			env.Headers[k] = v[0]
		}
	}
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		env.Body = json.RawMessage(msg.Data)
	}
	return env
}

// StatusError attaches a failure status to a handler error.
type StatusError struct {
	Status int
	Err    error
}

// Fail returns err tagged with status.
func Fail(status int, err error) error {
	return &StatusError{Status: status, Err: err}
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf returns the failure status for err. A failure propagated from a nested call keeps
// the status the far endpoint signaled.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Status
	}
	return DefaultFailureStatus
}

// ReplyError is returned by Client when the far endpoint answered with a failure.
// Its message is the raw payload so it can be decoded again downstream.
type ReplyError struct {
	Address string
	Status  int
	Payload string
}

func (e *ReplyError) Error() string { return e.Payload }

// TransportError is returned by Client when the request could not be delivered or answered.
type TransportError struct {
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bus: request to %s failed: %v", e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func failureStatus(msg *comms.Msg) (int, bool) {
	v, ok := msg.Header[HeaderStatus]
	if !ok || len(v) == 0 {
		return 0, false
	}
	status, err := strconv.Atoi(v[0])
	if err != nil {
		return DefaultFailureStatus, true
	}
	return status, true
}
