package present

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/framebus/kernel/threads/framebuffer"
	"github.com/nmxmxh/framebus/kernel/utils"
)

// StreamOptions configures a StreamPresenter.
type StreamOptions struct {
	// FrameRate caps frames per second sent to each client; zero sends every frame.
	FrameRate int
	// Burst is the token bucket size when FrameRate is set; default FrameRate.
	Burst int
	// MaxClients rejects further upgrades; zero means unlimited.
	MaxClients   int
	WriteTimeout time.Duration // default 2s
	// FailureThreshold consecutive write failures open a client's breaker.
	FailureThreshold uint32        // default 3
	OpenTimeout      time.Duration // default 5s
	Logger           *slog.Logger
}

func (o *StreamOptions) applyDefaults() {
	if o.Burst <= 0 {
		o.Burst = o.FrameRate
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 3
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = utils.Logger()
	}
}

// StreamStats counts stream deliveries across all clients.
type StreamStats struct {
	Clients  int
	Frames   uint64
	Sent     uint64
	Skipped  uint64 // rate-limited or breaker open
	Failed   uint64
	Accepted uint64
	Rejected uint64
}

type streamClient struct {
	id      string
	conn    *websocket.Conn
	breaker *gobreaker.CircuitBreaker
	writeMu sync.Mutex
	// needsFull is set when the client missed a frame; deltas only cover
	// changes since the previous frame. Touched only by Present.
	needsFull bool
	done      chan struct{}
}

func (c *streamClient) write(payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// StreamPresenter pushes frame patches to WebSocket viewers. Each client
// gets the changed regions of every frame, or the whole surface after it
// missed one. Mount it as an http.Handler.
type StreamPresenter struct {
	opts     StreamOptions
	upgrader websocket.Upgrader
	limiter  *limiter.TokenBucket

	mu      sync.Mutex
	clients map[string]*streamClient
	closed  bool
	wg      sync.WaitGroup

	frames   atomic.Uint64
	sent     atomic.Uint64
	skipped  atomic.Uint64
	failed   atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64

	logger *slog.Logger
}

// NewStreamPresenter creates a presenter with no clients.
func NewStreamPresenter(opts StreamOptions) (*StreamPresenter, error) {
	opts.applyDefaults()
	s := &StreamPresenter{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*streamClient),
		logger:  opts.Logger.With("component", "present.stream"),
	}
	if opts.FrameRate > 0 {
		tb, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(opts.FrameRate),
				Duration: time.Second,
				Burst:    int64(opts.Burst),
			},
			store.NewMemoryStore(time.Minute),
		)
		if err != nil {
			return nil, utils.WrapError(err, "stream rate limiter")
		}
		s.limiter = tb
	}
	return s, nil
}

// ServeHTTP upgrades the request and registers the connection as a client.
func (s *StreamPresenter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	full := s.opts.MaxClients > 0 && len(s.clients) >= s.opts.MaxClients
	closed := s.closed
	s.mu.Unlock()
	if closed || full {
		s.rejected.Add(1)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.rejected.Add(1)
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := utils.GenerateID()[:12]
	c := &streamClient{
		id:        id,
		conn:      conn,
		needsFull: true,
		done:      make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stream-" + id,
		MaxRequests: 1,
		Timeout:     s.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("client breaker state changed", "client", id, "from", from.String(), "to", to.String())
		},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.logger.Info("client connected", "client", id, "remote", r.RemoteAddr)
	go s.readLoop(c)
}

// readLoop drains control frames and notices the client going away.
func (s *StreamPresenter) readLoop(c *streamClient) {
	defer s.wg.Done()
	defer close(c.done)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("client read error", "client", c.id, "error", err)
			}
			break
		}
	}
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	_ = c.conn.Close()
	s.logger.Info("client disconnected", "client", c.id)
}

// Clients returns the number of connected clients.
func (s *StreamPresenter) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *StreamPresenter) snapshot() ([]*streamClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*streamClient, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, s.closed
}

func (s *StreamPresenter) Present(ctx context.Context, f *framebuffer.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clients, closed := s.snapshot()
	if closed {
		return ErrShutdown
	}
	s.frames.Add(1)
	if len(clients) == 0 {
		return nil
	}

	// Encode lazily: a frame nobody needs a full copy of is never encoded whole.
	var delta, whole []byte
	encode := func(full bool) ([]byte, error) {
		if full || f.Full {
			if whole == nil {
				b, err := EncodePatch(NewPatch(f, true))
				if err != nil {
					return nil, err
				}
				whole = b
			}
			return whole, nil
		}
		if delta == nil {
			b, err := EncodePatch(NewPatch(f, false))
			if err != nil {
				return nil, err
			}
			delta = b
		}
		return delta, nil
	}

	var errs []error
	for _, c := range clients {
		if s.limiter != nil && !s.limiter.Allow(c.id) {
			c.needsFull = true
			s.skipped.Add(1)
			continue
		}
		payload, err := encode(c.needsFull)
		if err != nil {
			return utils.WrapError(err, "encode patch")
		}
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.write(payload, s.opts.WriteTimeout)
		})
		switch {
		case err == nil:
			c.needsFull = false
			s.sent.Add(1)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.needsFull = true
			s.skipped.Add(1)
		default:
			c.needsFull = true
			s.failed.Add(1)
			s.logger.Warn("stream write failed", "client", c.id, "generation", f.Generation, "error", err)
			errs = append(errs, fmt.Errorf("client %s: %w", c.id, err))
		}
	}
	// Fail only when every client write failed.
	if len(errs) == len(clients) {
		return errors.Join(errs...)
	}
	return nil
}

func (s *StreamPresenter) Stats() StreamStats {
	return StreamStats{
		Clients:  s.Clients(),
		Frames:   s.frames.Load(),
		Sent:     s.sent.Load(),
		Skipped:  s.skipped.Load(),
		Failed:   s.failed.Load(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
}

// Shutdown sends a close frame to every client and waits for their
// connections to wind down.
func (s *StreamPresenter) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown")
	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("stream shut down", "clients", len(clients), "frames", s.frames.Load())
		return nil
	case <-ctx.Done():
		return utils.WrapError(ctx.Err(), "stream shutdown")
	}
}
