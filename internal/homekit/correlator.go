package homekit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingRequest is an outstanding native read, write or identify.
//
// It is resolved exactly once: by its completion, by its timeout, or by
// the bridge failing every request on shutdown. Whoever removes it from the
// pending table resolves it.
type PendingRequest struct {
	Token     string
	Kind      RequestKind
	Ref       CharacteristicRef
	Value     any
	CreatedAt time.Time

	done chan Completion
}

// Correlator matches asynchronous native completions to callers and keeps
// writes to one characteristic strictly sequential.
//
// Writes to the same characteristic queue in FIFO order behind the one in
// flight; at most maxQueued writers may wait. Reads are never queued: a read
// issued while a write is outstanding goes to the native layer at once.
type Correlator struct {
	native    Native
	timeout   time.Duration
	maxQueued int
	logger    Logger
	now       func() time.Time

	// precheck, when set, runs once a write holds its lane and before it
	// is dispatched.
	precheck func(ref CharacteristicRef) error

	mu      sync.Mutex
	pending map[string]*PendingRequest
	lanes   map[CharacteristicRef]*writeLane
	closed  bool
}

type writeLane struct {
	waiters []chan struct{}
}

func newCorrelator(native Native, timeout time.Duration, maxQueued int, logger Logger) *Correlator {
	return &Correlator{
		native:    native,
		timeout:   timeout,
		maxQueued: maxQueued,
		logger:    logger,
		now:       time.Now,
		pending:   make(map[string]*PendingRequest),
		lanes:     make(map[CharacteristicRef]*writeLane),
	}
}

// Read dispatches a native read and waits for its completion.
func (c *Correlator) Read(ctx context.Context, ref CharacteristicRef) (any, error) {
	return c.dispatch(ctx, RequestRead, ref, nil, func(ctx context.Context, token string) error {
		return c.native.Read(ctx, token, ref)
	})
}

// Write waits for its turn on ref, dispatches the native write and waits
// for its completion. The returned value is the value the cache now holds.
func (c *Correlator) Write(ctx context.Context, ref CharacteristicRef, value any, writeType WriteType) (any, error) {
	release, err := c.acquireLane(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	if c.precheck != nil {
		if err := c.precheck(ref); err != nil {
			return nil, err
		}
	}

	return c.dispatch(ctx, RequestWrite, ref, value, func(ctx context.Context, token string) error {
		return c.native.Write(ctx, token, ref, value, writeType)
	})
}

// Identify dispatches a native identify for an accessory.
func (c *Correlator) Identify(ctx context.Context, accessoryID string) error {
	ref := CharacteristicRef{AccessoryID: accessoryID}
	_, err := c.dispatch(ctx, RequestIdentify, ref, nil, func(ctx context.Context, token string) error {
		return c.native.Identify(ctx, token, accessoryID)
	})
	return err
}

func (c *Correlator) dispatch(ctx context.Context, kind RequestKind, ref CharacteristicRef, value any,
	send func(ctx context.Context, token string) error) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.register(kind, ref, value)
	if err != nil {
		return nil, err
	}

	if err := send(ctx, req.Token); err != nil {
		c.take(req.Token)
		return nil, fmt.Errorf("dispatch %s %s: %w", kind, ref, asNativeError(string(kind), err))
	}

	res, err := c.await(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, ref, asNativeError(string(kind), res.Err))
	}
	return res.Value, nil
}

func (c *Correlator) register(kind RequestKind, ref CharacteristicRef, value any) (*PendingRequest, error) {
	req := &PendingRequest{
		Token:     uuid.NewString(),
		Kind:      kind,
		Ref:       ref,
		Value:     value,
		CreatedAt: c.now(),
		done:      make(chan Completion, 1),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShutdown
	}
	c.pending[req.Token] = req

	return req, nil
}

func (c *Correlator) await(ctx context.Context, req *PendingRequest) (Completion, error) {
	select {
	case res := <-req.done:
		return res, nil
	case <-ctx.Done():
		if c.take(req.Token) == nil {
			// A completion claimed the request first and is about to resolve it.
			return <-req.done, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("native request timed out",
				"kind", string(req.Kind), "target", req.Ref.String(), "token", req.Token, "timeout", c.timeout)
			return Completion{}, fmt.Errorf("%w: %s %s", ErrTimeout, req.Kind, req.Ref)
		}
		return Completion{}, ctx.Err()
	}
}

// take removes and returns the pending request for token, or nil when it
// was already resolved or purged. Late completions end up here.
func (c *Correlator) take(token string) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[token]
	if !ok {
		return nil
	}
	delete(c.pending, token)
	return req
}

// resolve hands the completion to the waiting caller.
// Only the goroutine that took req may call it.
func (c *Correlator) resolve(req *PendingRequest, res Completion) {
	req.done <- res
}

// close fails every pending request with ErrShutdown and rejects new ones.
func (c *Correlator) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.failAll(ErrShutdown)
}

// failAll resolves every pending request with err.
func (c *Correlator) failAll(err error) {
	c.mu.Lock()
	reqs := make([]*PendingRequest, 0, len(c.pending))
	for token, req := range c.pending {
		reqs = append(reqs, req)
		delete(c.pending, token)
	}
	c.mu.Unlock()

	for _, req := range reqs {
		c.resolve(req, Completion{Token: req.Token, Err: err})
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// acquireLane blocks until the caller may write ref. The returned function
// hands the lane to the next queued writer.
func (c *Correlator) acquireLane(ctx context.Context, ref CharacteristicRef) (func(), error) {
	c.mu.Lock()
	lane, busy := c.lanes[ref]
	if !busy {
		c.lanes[ref] = &writeLane{}
		c.mu.Unlock()
		return func() { c.releaseLane(ref) }, nil
	}
	if len(lane.waiters) >= c.maxQueued {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d writes already queued for %s", ErrBusy, len(lane.waiters), ref)
	}
	turn := make(chan struct{})
	lane.waiters = append(lane.waiters, turn)
	c.mu.Unlock()

	select {
	case <-turn:
		return func() { c.releaseLane(ref) }, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	for i, w := range lane.waiters {
		if w == turn {
			lane.waiters = append(lane.waiters[:i:i], lane.waiters[i+1:]...)
			c.mu.Unlock()
			return nil, queuedWriteError(ctx, ref)
		}
	}
	c.mu.Unlock()

	// The lane was handed over while the context expired; pass it on.
	c.releaseLane(ref)
	return nil, queuedWriteError(ctx, ref)
}

func (c *Correlator) releaseLane(ref CharacteristicRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lane, ok := c.lanes[ref]
	if !ok {
		return
	}
	if len(lane.waiters) == 0 {
		delete(c.lanes, ref)
		return
	}
	next := lane.waiters[0]
	lane.waiters = lane.waiters[1:]
	close(next)
}

// QueuedWrites returns the number of writes waiting behind the in-flight
// write to ref.
func (c *Correlator) QueuedWrites(ref CharacteristicRef) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lane, ok := c.lanes[ref]; ok {
		return len(lane.waiters)
	}
	return 0
}

func queuedWriteError(ctx context.Context, ref CharacteristicRef) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: queued write to %s", ErrTimeout, ref)
	}
	return ctx.Err()
}
