package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
)

// ErrUnknownRequest is returned when answering a request that is no longer
// pending.
var ErrUnknownRequest = errors.Sentinel("no such permission request")

// Request is a permission request waiting for an answer.
type Request struct {
	ID      string
	AskedAt time.Time
	acp.RequestPermissionRequest
}

type pending struct {
	Request
	seq    int
	answer chan acp.RequestPermissionOutcome
}

// Broker parks permission requests until a user interface answers them.
type Broker struct {
	mu       sync.Mutex
	seq      int
	pending  map[string]*pending
	requests chan Request
}

// NewBroker returns a broker whose Requests channel holds up to buffer
// unread requests. Requests that do not fit are still pending.
func NewBroker(buffer int) *Broker {
	return &Broker{
		pending:  make(map[string]*pending),
		requests: make(chan Request, buffer),
	}
}

// Ask parks req until Answer, Cancel, CancelAll or ctx ends it.
func (b *Broker) Ask(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionOutcome, error) {
	b.mu.Lock()
	b.seq++
	p := &pending{
		Request: Request{ID: fmt.Sprintf("perm_%d", b.seq), AskedAt: time.Now(), RequestPermissionRequest: req},
		seq:     b.seq,
		answer:  make(chan acp.RequestPermissionOutcome, 1),
	}
	b.pending[p.ID] = p
	b.mu.Unlock()

	select {
	case b.requests <- p.Request:
	default:
	}

	select {
	case outcome := <-p.answer:
		return outcome, nil
	case <-ctx.Done():
		b.resolve(p.ID, acp.Cancelled())
		return acp.Cancelled(), nil
	}
}

// Requests delivers new requests to the user interface.
func (b *Broker) Requests() <-chan Request { return b.requests }

// Pending lists unanswered requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := make([]*pending, 0, len(b.pending))
	for _, p := range b.pending {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })
	out := make([]Request, len(ps))
	for i, p := range ps {
		out[i] = p.Request
	}
	return out
}

// Answer selects optionID for the request.
func (b *Broker) Answer(id, optionID string) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownRequest, "answer %s", id)
	}
	if !hasOption(p.Options, optionID) {
		return errors.New("request %s has no option %q", id, optionID)
	}
	if !b.resolve(id, acp.Selected(optionID)) {
		return errors.Wrapf(ErrUnknownRequest, "answer %s", id)
	}
	return nil
}

// Cancel resolves the request as cancelled.
func (b *Broker) Cancel(id string) error {
	if !b.resolve(id, acp.Cancelled()) {
		return errors.Wrapf(ErrUnknownRequest, "cancel %s", id)
	}
	return nil
}

// CancelAll resolves every pending request as cancelled.
func (b *Broker) CancelAll() {
	for _, r := range b.Pending() {
		b.resolve(r.ID, acp.Cancelled())
	}
}

func (b *Broker) resolve(id string, outcome acp.RequestPermissionOutcome) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		p.answer <- outcome
	}
	return ok
}
