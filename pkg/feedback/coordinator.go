// Package feedback coordinates the suspend/resume handshake when the
// research backend asks the user a question mid-run.
//
// One request may be outstanding at a time. It ends in exactly one of
// three ways: Resolve forwards an answer, Reject forwards a null answer,
// Cancel ends it locally without sending anything. Waiters always receive
// a Resolution; cancellation is a value, not an error.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepscope-io/deepscope/pkg/metrics"
)

var (
	// ErrRequestPending is returned by Open while another request is outstanding.
	ErrRequestPending = errors.New("feedback request already pending")

	// ErrNoPendingRequest is returned by Resolve and Reject when nothing is pending.
	ErrNoPendingRequest = errors.New("no feedback request pending")

	// ErrResolutionInProgress is returned while another answer is being sent.
	ErrResolutionInProgress = errors.New("feedback resolution already in progress")
)

// Outcome labels.
const (
	OutcomeResolved  = "resolved"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
)

// SendFunc forwards an answer to the backend. A nil content is a rejection.
type SendFunc func(ctx context.Context, content *string) error

// Request describes the outstanding question.
type Request struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolution is how a request ended.
type Resolution struct {
	// Value is the forwarded answer; nil for a rejection or cancellation.
	Value     *string
	Cancelled bool
}

// Rejected reports whether the user declined to answer.
func (r Resolution) Rejected() bool {
	return !r.Cancelled && r.Value == nil
}

// Pending is a handle on an open request.
type Pending struct {
	Request
	send    SendFunc
	result  chan Resolution
	sending bool
	settled bool
}

// Wait blocks until the request is settled or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Resolution, error) {
	select {
	case res := <-p.result:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Coordinator holds at most one pending request.
type Coordinator struct {
	mu      sync.Mutex
	pending *Pending
}

// New returns an idle coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Open registers a request for prompt. send is used by Resolve and Reject.
func (c *Coordinator) Open(prompt string, send SendFunc) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil, ErrRequestPending
	}
	c.pending = &Pending{
		Request: Request{ID: uuid.NewString(), Prompt: prompt, CreatedAt: time.Now()},
		send:    send,
		result:  make(chan Resolution, 1),
	}
	return c.pending, nil
}

// Request opens a request and waits for it to settle.
func (c *Coordinator) Request(ctx context.Context, prompt string, send SendFunc) (Resolution, error) {
	p, err := c.Open(prompt, send)
	if err != nil {
		return Resolution{}, err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		c.drop(p)
	}
	return res, err
}

// Current returns the outstanding request, if any.
func (c *Coordinator) Current() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Request{}, false
	}
	return c.pending.Request, true
}

// Awaiting reports whether a request is open and no answer to it is
// being sent.
func (c *Coordinator) Awaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil && !c.pending.sending
}

// Resolve forwards value and settles the request. If sending fails the
// request stays pending and can be answered again.
func (c *Coordinator) Resolve(ctx context.Context, value string) error {
	return c.answer(ctx, &value)
}

// Reject forwards a null answer and settles the request.
func (c *Coordinator) Reject(ctx context.Context) error {
	return c.answer(ctx, nil)
}

// Cancel settles the outstanding request as cancelled without sending
// anything. It reports whether a request was pending.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	if p == nil {
		return false
	}
	c.pending = nil
	c.settle(p, Resolution{Cancelled: true}, OutcomeCancelled)
	return true
}

func (c *Coordinator) answer(ctx context.Context, content *string) error {
	c.mu.Lock()
	p := c.pending
	switch {
	case p == nil:
		c.mu.Unlock()
		return ErrNoPendingRequest
	case p.sending:
		c.mu.Unlock()
		return ErrResolutionInProgress
	}
	p.sending = true
	c.mu.Unlock()

	err := p.send(ctx, content)

	c.mu.Lock()
	defer c.mu.Unlock()
	p.sending = false
	if err != nil {
		return fmt.Errorf("failed to send feedback: %w", err)
	}
	if c.pending == p {
		c.pending = nil
	}
	outcome := OutcomeResolved
	if content == nil {
		outcome = OutcomeRejected
	}
	c.settle(p, Resolution{Value: content}, outcome)
	return nil
}

// settle delivers res once. Callers hold c.mu.
func (c *Coordinator) settle(p *Pending, res Resolution, outcome string) {
	if p.settled {
		return
	}
	p.settled = true
	p.result <- res
	metrics.FeedbackRequests.WithLabelValues(outcome).Inc()
}

func (c *Coordinator) drop(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == p {
		c.pending = nil
	}
	p.settled = true
}
