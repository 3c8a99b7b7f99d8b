package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateRequest is returned by Create for an id that is already pending.
	ErrDuplicateRequest = errors.New("request already pending")

	// ErrNoMatchingRequest is returned by Match when no request is pending
	// under the response's id.
	ErrNoMatchingRequest = errors.New("no matching request")
)

// Response is a service reply to a request.
type Response struct {
	// RequestID is the $rid the response was published under.
	RequestID string

	// Status is the status code from the response topic.
	Status int

	// Body is the response payload.
	Body string

	// Properties are the remaining topic properties (e.g. retry-after).
	Properties map[string]string
}

// Request is a pending request awaiting exactly one Response.
type Request struct {
	id string
	ch chan *Response
}

// ID returns the request id.
func (r *Request) ID() string {
	return r.id
}

// Response blocks until the response arrives or ctx is done.
func (r *Request) Response(ctx context.Context) (*Response, error) {
	select {
	case resp := <-r.ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ledger tracks pending requests. It is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	pending map[string]*Request
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		pending: make(map[string]*Request),
	}
}

// Create registers a pending request. An empty id is replaced by a random
// UUID.
func (l *Ledger) Create(id string) (*Request, error) {
	if id == "" {
		id = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	req := &Request{
		id: id,
		ch: make(chan *Response, 1),
	}
	l.pending[id] = req
	return req, nil
}

// Delete removes a pending request. It returns false if none was pending.
func (l *Ledger) Delete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[id]; !ok {
		return false
	}
	delete(l.pending, id)
	return true
}

// Match delivers resp to the request pending under resp.RequestID and
// removes it from the ledger.
func (l *Ledger) Match(resp *Response) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.pending[resp.RequestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoMatchingRequest, resp.RequestID)
	}
	delete(l.pending, resp.RequestID)
	// Buffered and only ever sent once, so this never blocks.
	req.ch <- resp
	return nil
}

// Len returns the number of pending requests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Contains reports whether id is pending.
func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[id]
	return ok
}
