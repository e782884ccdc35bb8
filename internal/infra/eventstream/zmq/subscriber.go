// Package zmq consumes the binary publish/subscribe notification stream a
// bitcoind-compatible node exposes over ZeroMQ. Each message carries three
// frames: the topic, an opaque payload, and an unsigned 32-bit little-endian
// sequence number. One SUB connection is held per topic so a burst on one
// topic cannot crowd out another, and each connection re-establishes itself
// with exponential backoff when the transport drops.
package zmq

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockpond/paywatch/internal/pkg/logger"

	"github.com/lightninglabs/gozmq"
)

// Topics published by bitcoind-compatible nodes.
const (
	TopicHashBlock = "hashblock"
	TopicRawBlock  = "rawblock"
	TopicRawTx     = "rawtx"
)

const (
	// maxPayloadSize bounds a single notification payload. Raw block
	// notifications are the largest message the node publishes.
	maxPayloadSize = 4e6

	// seqNumLen is the length of the trailing sequence-number frame.
	seqNumLen = 4

	defaultPollInterval         = 100 * time.Millisecond
	defaultReconnectInitialWait = time.Second
	defaultReconnectMaxWait     = 30 * time.Second
	defaultMaxReconnectAttempts = 10
)

// ErrAlreadyStarted is returned if Start is called more than once.
var ErrAlreadyStarted = errors.New("zmq: subscriber already started")

// Handler processes a single notification payload for a topic. Handlers for
// the same topic run sequentially in message order; a returned error is
// logged and the stream continues.
type Handler func(ctx context.Context, payload []byte) error

// Subscriber owns one SUB connection per registered topic and dispatches
// received payloads to the topic's handler.
type Subscriber struct {
	endpoint string

	pollInterval         time.Duration
	reconnectInitialWait time.Duration
	reconnectMaxWait     time.Duration
	maxReconnectAttempts int

	mu        sync.Mutex
	isStarted bool
	handlers  map[string]Handler
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// degraded flips to true once a topic connection has exhausted its
	// reconnect budget. The stream keeps trying; the flag lets operators
	// and the owning monitor see that push delivery cannot be trusted
	// until the node comes back.
	degraded atomic.Bool
}

// Option configures the Subscriber.
type Option func(*Subscriber)

// WithPollInterval sets the socket read timeout used to poll for messages
// between shutdown checks. Default: 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(s *Subscriber) {
		s.pollInterval = d
	}
}

// WithReconnectWait sets the initial and maximum backoff between reconnect
// attempts. Defaults: 1s initial, 30s cap.
func WithReconnectWait(initial, max time.Duration) Option {
	return func(s *Subscriber) {
		s.reconnectInitialWait = initial
		s.reconnectMaxWait = max
	}
}

// WithMaxReconnectAttempts sets how many consecutive failed reconnects mark
// the stream as degraded. The subscriber keeps retrying past this point;
// only the health signal changes. Default: 10.
func WithMaxReconnectAttempts(n int) Option {
	return func(s *Subscriber) {
		s.maxReconnectAttempts = n
	}
}

// New creates a Subscriber for the node's ZMQ endpoint. Register handlers
// with Handle before calling Start.
func New(endpoint string, opts ...Option) *Subscriber {
	s := &Subscriber{
		endpoint:             endpoint,
		pollInterval:         defaultPollInterval,
		reconnectInitialWait: defaultReconnectInitialWait,
		reconnectMaxWait:     defaultReconnectMaxWait,
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		handlers:             make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handle registers the handler for a topic. It must be called before Start;
// registering the same topic twice replaces the previous handler.
func (s *Subscriber) Handle(topic string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[topic] = h
}

// Healthy reports whether every topic connection is inside its reconnect
// budget. It returns false once the stream is degraded and true again after
// a successful reconnect.
func (s *Subscriber) Healthy() bool {
	return !s.degraded.Load()
}

// Start opens one connection per registered topic and launches the receive
// loops. It returns ErrAlreadyStarted on a second call. The loops run until
// ctx is canceled or Close is called.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStarted {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for topic, handler := range s.handlers {
		conn, err := gozmq.Subscribe(s.endpoint, []string{topic}, s.pollInterval)
		if err != nil {
			cancel()
			return err
		}

		s.wg.Add(1)
		go s.receiveLoop(ctx, topic, conn, handler)
	}

	s.isStarted = true
	return nil
}

// Close stops every receive loop and waits for them to exit.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isStarted {
		return
	}

	s.cancel()
	s.wg.Wait()

	s.isStarted = false
	s.cancel = nil
}

// reconnect tears down the broken connection and dials a fresh one with
// exponential backoff. It returns the new connection, or nil once ctx is
// canceled. After maxReconnectAttempts consecutive failures the subscriber
// is flagged as degraded but keeps trying at the capped interval.
func (s *Subscriber) reconnect(ctx context.Context, topic string, conn *gozmq.Conn) *gozmq.Conn {
	_ = conn.Close()

	wait := s.reconnectInitialWait
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		fresh, err := gozmq.Subscribe(s.endpoint, []string{topic}, s.pollInterval)
		if err == nil {
			s.degraded.Store(false)
			logger.Info(ctx, "event stream reconnected", "topic", topic, "attempt", attempt)
			return fresh
		}

		logger.Warn(ctx, "event stream reconnect failed",
			"topic", topic,
			"attempt", attempt,
			"error", err,
		)

		if attempt >= s.maxReconnectAttempts && !s.degraded.Swap(true) {
			logger.Error(ctx, "event stream degraded, relying on reconciliation sweep",
				"topic", topic,
				"attempts", attempt,
			)
		}

		if wait *= 2; wait > s.reconnectMaxWait {
			wait = s.reconnectMaxWait
		}
	}
}

// receiveLoop reads messages for a single topic and dispatches them to the
// handler in arrival order. Socket read timeouts are the idle path: they
// only give the loop a chance to observe cancellation.
func (s *Subscriber) receiveLoop(ctx context.Context, topic string, conn *gozmq.Conn, handler Handler) {
	defer s.wg.Done()
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	var (
		command = make([]byte, len(topic))
		payload = make([]byte, int(maxPayloadSize))
		seqNum  = make([]byte, seqNumLen)

		lastSeq uint32
		haveSeq bool
		bufs    = [][]byte{command, payload, seqNum}
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frames, err := conn.Receive(bufs)
		if err != nil {
			// EOF means the connection was closed under us; anything
			// else other than a poll timeout means it is broken.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			if !errors.Is(err, io.EOF) {
				logger.Warn(ctx, "event stream receive failed", "topic", topic, "error", err)
			}

			if conn = s.reconnect(ctx, topic, conn); conn == nil {
				return
			}

			haveSeq = false
			continue
		}

		if len(frames) < 3 || string(frames[0]) != topic {
			continue
		}

		if len(frames[2]) == seqNumLen {
			seq := binary.LittleEndian.Uint32(frames[2])
			if haveSeq && seq != lastSeq+1 {
				logger.Warn(ctx, "event stream sequence gap",
					"topic", topic,
					"expected", lastSeq+1,
					"received", seq,
				)
			}
			lastSeq, haveSeq = seq, true
		}

		// The payload buffer is reused on the next read, so hand the
		// handler its own copy.
		msg := make([]byte, len(frames[1]))
		copy(msg, frames[1])

		if err := handler(ctx, msg); err != nil {
			logger.Error(ctx, "event stream handler failed", "topic", topic, "error", err)
		}
	}
}
