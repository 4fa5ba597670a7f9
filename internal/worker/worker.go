// Package worker runs CPU-heavy crypto operations on a fixed pool of
// goroutines. Callers and workers only exchange CBOR-encoded messages,
// so a handler never shares memory with the code that called it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alexjbarnes/matrix-sync/internal/codec"
)

// Response types.
const (
	TypeSuccess = "success"
	TypeError   = "error"
)

// ErrUnknownType is returned for requests no handler is registered for.
var ErrUnknownType = errors.New("worker: unknown request type")

// Request is a message sent to a worker.
type Request struct {
	Type    string           `cbor:"type"`
	Payload codec.RawMessage `cbor:"payload"`
	ID      string           `cbor:"id"`
}

// Response is a worker's reply to a Request.
type Response struct {
	Type      string           `cbor:"type"`
	ReplyToID string           `cbor:"replyToId"`
	Payload   codec.RawMessage `cbor:"payload,omitempty"`
	Message   string           `cbor:"message,omitempty"`
}

// RemoteError is a failure reported by a handler.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Type, e.Message)
}

// Handler processes one request payload and returns the reply payload.
type Handler func(ctx context.Context, payload codec.RawMessage) (any, error)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Size is the number of worker goroutines.
	Size int

	// MaxPending bounds requests queued or in flight. Defaults to
	// twice the size.
	MaxPending int

	Logger *slog.Logger
}

// Pool is a fixed set of worker goroutines.
type Pool struct {
	size     int
	handlers map[string]Handler
	queue    chan []byte
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]chan []byte
}

// NewPool creates a pool with the crypto handlers registered. Run must
// be called for requests to be served.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}

	if cfg.MaxPending < 1 {
		cfg.MaxPending = 2 * cfg.Size
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		size:     cfg.Size,
		handlers: make(map[string]Handler),
		queue:    make(chan []byte),
		sem:      semaphore.NewWeighted(int64(cfg.MaxPending)),
		logger:   cfg.Logger,
		pending:  make(map[string]chan []byte),
	}

	p.Handle(TypeOlmCreateAccount, handleCreateAccount)
	p.Handle(TypeMegolmDecrypt, handleMegolmDecrypt)

	return p
}

// Size returns the number of worker goroutines.
func (p *Pool) Size() int {
	return p.size
}

// Handle registers h for requests of msgType. It must be called before
// Run.
func (p *Pool) Handle(msgType string, h Handler) {
	p.handlers[msgType] = h
}

// Run serves requests until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range p.size {
		g.Go(func() error {
			p.logger.Debug("crypto worker started", slog.Int("worker", i))

			for {
				select {
				case <-ctx.Done():
					return nil
				case raw := <-p.queue:
					p.deliver(p.serve(ctx, raw))
				}
			}
		})
	}

	return g.Wait()
}

func (p *Pool) serve(ctx context.Context, raw []byte) Response {
	var req Request
	if err := codec.Unmarshal(raw, &req); err != nil {
		return Response{Type: TypeError, Message: fmt.Sprintf("decoding request: %v", err)}
	}

	resp := Response{ReplyToID: req.ID}

	h, ok := p.handlers[req.Type]
	if !ok {
		resp.Type = TypeError
		resp.Message = fmt.Sprintf("%v: %s", ErrUnknownType, req.Type)

		return resp
	}

	out, err := h(ctx, req.Payload)
	if err != nil {
		resp.Type = TypeError
		resp.Message = err.Error()

		return resp
	}

	payload, err := codec.Marshal(out)
	if err != nil {
		resp.Type = TypeError
		resp.Message = fmt.Sprintf("encoding reply: %v", err)

		return resp
	}

	resp.Type = TypeSuccess
	resp.Payload = payload

	return resp
}

func (p *Pool) deliver(resp Response) {
	raw, err := codec.Marshal(resp)
	if err != nil {
		p.logger.Error("encoding worker response", slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	reply, ok := p.pending[resp.ReplyToID]
	delete(p.pending, resp.ReplyToID)
	p.mu.Unlock()

	if !ok {
		// The caller gave up.
		return
	}

	reply <- raw
}

// Call sends a request and decodes the reply payload into result. It
// blocks until a worker answers or ctx is done.
func (p *Pool) Call(ctx context.Context, msgType string, payload, result any) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	encoded, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", msgType, err)
	}

	id := uuid.NewString()

	raw, err := codec.Marshal(Request{Type: msgType, Payload: encoded, ID: id})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", msgType, err)
	}

	reply := make(chan []byte, 1)

	p.mu.Lock()
	p.pending[id] = reply
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	select {
	case p.queue <- raw:
	case <-ctx.Done():
		return ctx.Err()
	}

	var respRaw []byte

	select {
	case respRaw = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	var resp Response
	if err := codec.Unmarshal(respRaw, &resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", msgType, err)
	}

	if resp.Type == TypeError {
		return &RemoteError{Type: msgType, Message: resp.Message}
	}

	if result == nil {
		return nil
	}

	if err := codec.Unmarshal(resp.Payload, result); err != nil {
		return fmt.Errorf("decoding %s reply: %w", msgType, err)
	}

	return nil
}
