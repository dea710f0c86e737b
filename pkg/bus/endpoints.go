package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/morezero/repository-bus/pkg/apperror"
	"github.com/morezero/repository-bus/pkg/commsutil"
)

const logPrefix = "bus:endpoints"

// Default timeouts.
const (
	DefaultRegistrationTimeout = 10 * time.Second
	DefaultRequestTimeout      = 25 * time.Second
)

// DefaultMaxConcurrent bounds in-flight handler invocations across all endpoints.
const DefaultMaxConcurrent = 64

var (
	// ErrAlreadyAwaited is returned when AwaitAll is called more than once.
	ErrAlreadyAwaited = errors.New("bus: registrations already awaited")
	// ErrClosed is reported by registrations that complete after the endpoints were closed.
	ErrClosed = errors.New("bus: endpoints closed")
	// ErrDuplicateAddress is reported when an address is registered twice.
	ErrDuplicateAddress = errors.New("bus: address already registered")
)

// Handler serves requests sent to one address. A nil error replies with result encoded as
// JSON; an error replies with a failure whose status comes from StatusOf and whose payload
// comes from apperror.Encode.
type Handler func(ctx context.Context, env *Envelope) (any, error)

// EndpointsOptions configures Endpoints.
type EndpointsOptions struct {
	// Queue is the queue group every endpoint joins, so each request reaches one instance.
	Queue string
	// RegistrationTimeout bounds the wait for the server to confirm a subscription.
	RegistrationTimeout time.Duration
	// RequestTimeout bounds the context handed to each handler.
	RequestTimeout time.Duration
	// MaxConcurrent bounds handlers running at once. A subscription whose message finds no
	// free slot waits in its delivery callback, leaving further messages queued in the client.
	MaxConcurrent int64
	Metrics       *Metrics
}

// Endpoints registers handlers on bus addresses and tracks, as one aggregate signal, whether
// every registration and startup task succeeded. Deliveries are refused with 503 until
// AwaitAll has returned successfully. Each delivery runs on its own goroutine, at most
// MaxConcurrent at a time.
type Endpoints struct {
	conn Conn
	opts EndpointsOptions
	sem  *semaphore.Weighted

	mu        sync.Mutex
	signals   []chan error
	addresses map[string]bool
	subs      []*comms.Subscription
	awaited   bool
	closed    bool

	ready atomic.Bool
}

// NewEndpoints creates an empty registry for one component.
func NewEndpoints(conn Conn, opts EndpointsOptions) *Endpoints {
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Endpoints{
		conn:      conn,
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		addresses: make(map[string]bool),
	}
}

// Register starts registering h at address and tracks its completion. It must be called
// before AwaitAll.
func (e *Endpoints) Register(address string, h Handler) {
	e.track(func() error {
		return e.subscribe(address, h)
	})
}

// AddStartupTask tracks an additional startup dependency alongside the registrations.
func (e *Endpoints) AddStartupTask(task func() error) {
	e.track(task)
}

func (e *Endpoints) track(task func() error) {
	signal := make(chan error, 1)

	e.mu.Lock()
	e.signals = append(e.signals, signal)
	e.mu.Unlock()

	go func() {
		signal <- task()
	}()
}

func (e *Endpoints) subscribe(address string, h Handler) error {
	e.mu.Lock()
	if e.addresses[address] {
		e.mu.Unlock()
		return fmt.Errorf("%s - %w: %s", logPrefix, ErrDuplicateAddress, address)
	}
	e.addresses[address] = true
	e.mu.Unlock()

	sub, err := e.conn.QueueSubscribe(address, e.opts.Queue, func(msg *comms.Msg) {
		_ = e.sem.Acquire(context.Background(), 1)
		go func() {
			defer e.sem.Release(1)
			e.deliver(address, h, msg)
		}()
	})
	if err == nil {
		// The flush round trip confirms the server has processed the subscription.
		if ferr := e.conn.FlushTimeout(e.opts.RegistrationTimeout); ferr != nil {
			_ = sub.Unsubscribe()
			err = ferr
		}
	}
	e.opts.Metrics.recordRegistration(address, err)
	if err != nil {
		return fmt.Errorf("%s - failed to register %s: %w", logPrefix, address, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = sub.Unsubscribe()
		return fmt.Errorf("%s - %w: %s", logPrefix, ErrClosed, address)
	}
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Registered endpoint %s", logPrefix, address))
	return nil
}

// AwaitAll blocks until every tracked signal has reported. It returns the first failure as
// soon as it is reported and then removes every subscription, so a failed startup leaves
// nothing routable. It can be called once.
func (e *Endpoints) AwaitAll(ctx context.Context) error {
	e.mu.Lock()
	if e.awaited {
		e.mu.Unlock()
		return ErrAlreadyAwaited
	}
	e.awaited = true
	signals := e.signals
	e.signals = nil
	e.mu.Unlock()

	results := make(chan error, len(signals))
	for _, s := range signals {
		go func(s chan error) {
			results <- <-s
		}(s)
	}

	for range signals {
		select {
		case err := <-results:
			if err != nil {
				e.abort()
				return err
			}
		case <-ctx.Done():
			e.abort()
			return fmt.Errorf("%s - waiting for registrations: %w", logPrefix, ctx.Err())
		}
	}

	e.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - All %d startup signals confirmed", logPrefix, len(signals)))
	return nil
}

// Ready reports whether AwaitAll succeeded and the endpoints are still open.
func (e *Endpoints) Ready() bool {
	return e.ready.Load()
}

func (e *Endpoints) abort() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.ready.Store(false)
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.subs = nil
}

// Close drains every subscription, letting in-flight requests finish.
func (e *Endpoints) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.ready.Store(false)
	for _, sub := range e.subs {
		if err := sub.Drain(); err != nil {
			slog.Warn(fmt.Sprintf("%s - drain %s: %v", logPrefix, sub.Subject, err))
		}
	}
	e.subs = nil
}

func (e *Endpoints) deliver(address string, h Handler, msg *comms.Msg) {
	start := time.Now()

	if !e.ready.Load() {
		e.respondFailure(address, msg, http.StatusServiceUnavailable,
			apperror.New(fmt.Sprintf("endpoint %s is not ready", address), apperror.CodeUnavailable), start)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.RequestTimeout)
	defer cancel()

	result, err := e.invoke(ctx, h, envelopeFromMsg(msg))
	if err != nil {
		e.respondFailure(address, msg, StatusOf(err), err, start)
		return
	}

	data, err := commsutil.EncodePayload(result)
	if err != nil {
		e.respondFailure(address, msg, http.StatusInternalServerError,
			apperror.Wrapf(err, apperror.CodeServiceError, "failed to encode reply: %v", err), start)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to reply on %s: %v", logPrefix, address, err))
	}
	e.opts.Metrics.recordHandled(address, http.StatusOK, time.Since(start))
}

func (e *Endpoints) invoke(ctx context.Context, h Handler, env *Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler for %s panicked: %v", logPrefix, env.Address, r))
			err = Fail(http.StatusInternalServerError,
				apperror.New(fmt.Sprintf("handler panic: %v", r), apperror.CodeServiceError))
		}
	}()
	return h(ctx, env)
}

func (e *Endpoints) respondFailure(address string, msg *comms.Msg, status int, cause error, start time.Time) {
	payload := apperror.Encode(cause)
	slog.Warn(fmt.Sprintf("%s - %s failed status=%d code=%s", logPrefix, address, status, apperror.CodeOf(cause)))
	slog.Debug(fmt.Sprintf("%s - %s cause: %v", logPrefix, address, cause))

	reply := comms.NewMsg(msg.Reply)
	reply.Header[HeaderStatus] = []string{strconv.Itoa(status)}
	reply.Data = []byte(payload)
	if err := msg.RespondMsg(reply); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to send failure reply on %s: %v", logPrefix, address, err))
	}
	e.opts.Metrics.recordHandled(address, status, time.Since(start))
}
