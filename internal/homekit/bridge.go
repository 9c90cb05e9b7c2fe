package homekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/logging"
)

// Default tuning used when Options leaves a field zero.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultRefreshTimeout  = 30 * time.Second
	DefaultMaxQueuedWrites = 16
)

// Bridge is the application-facing surface of the accessory cache.
//
// Two implementations exist: RealBridge, backed by a Native layer, and
// UnavailableBridge for platforms without one. New picks one at startup.
type Bridge interface {
	Initialize(ctx context.Context) error
	IsReady() bool
	State() Lifecycle

	Homes() ([]Home, error)
	Home(id string) (Home, error)
	Accessories() ([]Accessory, error)
	Accessory(id string) (AccessoryView, error)
	FindAccessoryByName(name string) (AccessoryView, error)
	Stats() (Stats, error)

	Refresh(ctx context.Context) error

	ReadCharacteristic(ctx context.Context, accessoryID, serviceID, characteristicID string) (any, error)
	WriteCharacteristic(ctx context.Context, accessoryID, serviceID, characteristicID string, value any, writeType WriteType) error
	Identify(ctx context.Context, accessoryID string) error

	Subscribe(ctx context.Context, accessoryID, serviceID, characteristicID string, listener Listener) (SubscriptionHandle, error)
	Unsubscribe(handle SubscriptionHandle) error
	UnsubscribeAll() error

	// AddObserver registers a listener for the given event kinds: readiness,
	// structural changes and characteristic changes. No kinds means all.
	AddObserver(listener Listener, kinds ...EventKind) (remove func(), err error)

	SetDebugLoggingEnabled(enabled bool) error
	Shutdown()
}

// Options configures a bridge.
type Options struct {
	// Native is the platform layer. Nil, or a layer reporting itself
	// unavailable, yields an UnavailableBridge.
	Native Native

	RequestTimeout  time.Duration
	RefreshTimeout  time.Duration
	MaxQueuedWrites int

	// DisableReconnectRefresh skips the automatic refresh after the native
	// layer reports a reconnect.
	DisableReconnectRefresh bool

	Logger Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}
	if o.MaxQueuedWrites <= 0 {
		o.MaxQueuedWrites = DefaultMaxQueuedWrites
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// New selects the bridge variant once, based on native availability.
// An error is returned only when an available native layer fails to start.
func New(opts Options) (Bridge, error) {
	if opts.Native == nil || !opts.Native.Available() {
		if opts.Logger != nil {
			opts.Logger.Warn("native accessory framework unavailable, using unavailable bridge")
		}
		return NewUnavailableBridge(), nil
	}
	return NewRealBridge(opts)
}

// RealBridge implements Bridge on top of a Native layer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Cache mutations happen on a single internal goroutine; events are
//     delivered on another.
type RealBridge struct {
	opts   Options
	native Native
	logger Logger

	cache     *Cache
	subs      *Subscriptions
	disp      *Dispatcher
	corr      *Correlator
	mut       *mutator
	refresher *Refresher

	stateMu sync.Mutex
	state   Lifecycle

	lifeMu    sync.Mutex
	closed    bool
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bgWG      sync.WaitGroup
	closeOnce sync.Once
}

// NewRealBridge builds a RealBridge and registers it as the native sink.
// The cache stays empty until Initialize.
func NewRealBridge(opts Options) (*RealBridge, error) {
	if opts.Native == nil {
		return nil, fmt.Errorf("homekit: native layer is required")
	}
	opts = opts.withDefaults()

	b := &RealBridge{
		opts:   opts,
		native: opts.Native,
		logger: opts.Logger,
		cache:  NewCache(),
		mut:    newMutator(opts.Logger),
		state:  StateUninitialized,
	}
	b.subs = newSubscriptions(opts.Native, opts.RequestTimeout, opts.Logger)
	b.disp = newDispatcher(b.subs, opts.Logger)
	b.corr = newCorrelator(opts.Native, opts.RequestTimeout, opts.MaxQueuedWrites, opts.Logger)
	b.corr.precheck = b.dispatchable
	b.refresher = &Refresher{
		native:  opts.Native,
		cache:   b.cache,
		mut:     b.mut,
		disp:    b.disp,
		subs:    b.subs,
		timeout: opts.RefreshTimeout,
		logger:  opts.Logger,
	}
	b.bgCtx, b.bgCancel = context.WithCancel(context.Background())

	if err := opts.Native.Start(b); err != nil {
		b.stopLoops()
		return nil, fmt.Errorf("starting native layer: %w", err)
	}

	return b, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Initialize populates the cache from the native graph. Calling it again
// once ready behaves like Refresh.
func (b *RealBridge) Initialize(ctx context.Context) error {
	if b.isClosed() {
		return ErrShutdown
	}
	if b.State() == StateReady {
		return b.Refresh(ctx)
	}

	b.setState(StateInitializing)
	d, err := b.refresher.Refresh(ctx)
	if err != nil {
		b.setState(StateFailed)
		b.logger.Error("bridge initialisation failed", "error", err)
		return fmt.Errorf("initialize: %w", err)
	}

	b.setState(StateReady)
	b.logger.Info("bridge ready", "changes", d.Size(), "accessories", b.cache.Stats().Accessories)
	return nil
}

// IsReady reports whether the cache holds a populated graph.
func (b *RealBridge) IsReady() bool {
	return b.State() == StateReady
}

// State returns the lifecycle state.
func (b *RealBridge) State() Lifecycle {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

func (b *RealBridge) setState(s Lifecycle) {
	b.stateMu.Lock()
	prev := b.state
	b.state = s
	b.stateMu.Unlock()

	if prev == s {
		return
	}
	b.logger.Debug("bridge state changed", "from", string(prev), "to", string(s))
	b.disp.publish(readinessEvent(s, time.Now()))
}

// Refresh reconciles the cache with the native graph. On success a failed
// or uninitialised bridge becomes ready; on failure the previous snapshot
// and state are kept.
func (b *RealBridge) Refresh(ctx context.Context) error {
	if b.isClosed() {
		return ErrShutdown
	}
	if _, err := b.refresher.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	b.setState(StateReady)
	return nil
}

// Shutdown cancels every subscription, fails outstanding requests, clears
// the cache and stops the internal goroutines. It is idempotent.
// The native layer itself is owned, and closed, by the caller.
func (b *RealBridge) Shutdown() {
	b.closeOnce.Do(func() {
		b.lifeMu.Lock()
		b.closed = true
		b.lifeMu.Unlock()

		b.bgCancel()
		b.bgWG.Wait()

		b.subs.UnsubscribeAll()
		b.corr.close()
		_ = b.mut.submitWait(func() {
			b.disp.publish(b.cache.reset()...)
		})
		b.setState(StateUninitialized)
		b.stopLoops()

		b.logger.Info("bridge shut down")
	})
}

func (b *RealBridge) stopLoops() {
	b.mut.stop()
	b.disp.stop()
}

func (b *RealBridge) isClosed() bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	return b.closed
}

// background runs fn on a tracked goroutine unless the bridge is closed.
func (b *RealBridge) background(fn func(ctx context.Context)) {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.closed {
		return
	}
	b.bgWG.Add(1)
	go func() {
		defer b.bgWG.Done()
		fn(b.bgCtx)
	}()
}

// =============================================================================
// Queries
// =============================================================================

// Homes returns all homes in native order.
func (b *RealBridge) Homes() ([]Home, error) {
	return b.cache.Homes(), nil
}

// Home returns one home or ErrNotFound.
func (b *RealBridge) Home(id string) (Home, error) {
	return b.cache.Home(id)
}

// Accessories returns every accessory in home, then accessory order.
func (b *RealBridge) Accessories() ([]Accessory, error) {
	return b.cache.Accessories(), nil
}

// Accessory returns one accessory with its services and characteristics.
func (b *RealBridge) Accessory(id string) (AccessoryView, error) {
	return b.cache.Accessory(id)
}

// FindAccessoryByName returns the first exact name match in enumeration order.
func (b *RealBridge) FindAccessoryByName(name string) (AccessoryView, error) {
	return b.cache.FindAccessoryByName(name)
}

// Stats summarises the cache.
func (b *RealBridge) Stats() (Stats, error) {
	return b.cache.Stats(), nil
}

// Cache exposes the underlying cache for read-only use.
func (b *RealBridge) Cache() *Cache {
	return b.cache
}

// =============================================================================
// Accessory Operations
// =============================================================================

// ReadCharacteristic reads the live value from the accessory and stores it
// in the cache before returning it.
func (b *RealBridge) ReadCharacteristic(ctx context.Context, accessoryID, serviceID, characteristicID string) (any, error) {
	ref := CharacteristicRef{AccessoryID: accessoryID, ServiceID: serviceID, CharacteristicID: characteristicID}

	ch, err := b.resolve(ref, true)
	if err != nil {
		return nil, err
	}
	if !ch.Readable() {
		return nil, fmt.Errorf("%w: %s is not readable", ErrUnsupported, ref)
	}

	return b.corr.Read(ctx, ref)
}

// WriteCharacteristic writes value to the accessory. When it returns nil
// the cache already holds the written (or accessory-confirmed) value.
func (b *RealBridge) WriteCharacteristic(ctx context.Context, accessoryID, serviceID, characteristicID string,
	value any, writeType WriteType) error {
	ref := CharacteristicRef{AccessoryID: accessoryID, ServiceID: serviceID, CharacteristicID: characteristicID}

	ch, err := b.resolve(ref, true)
	if err != nil {
		return err
	}
	if !ch.Writable() {
		return fmt.Errorf("%w: %s is not writable", ErrUnsupported, ref)
	}
	normalized, err := ValidateWrite(ch, value)
	if err != nil {
		return err
	}

	_, err = b.corr.Write(ctx, ref, normalized, writeType)
	return err
}

// Identify asks the accessory to identify itself.
func (b *RealBridge) Identify(ctx context.Context, accessoryID string) error {
	if err := b.usable(); err != nil {
		return err
	}
	acc, ok := b.cache.Snapshot().accessories[accessoryID]
	if !ok {
		return fmt.Errorf("%w: accessory %s", ErrNotFound, accessoryID)
	}
	if !acc.Reachable {
		return fmt.Errorf("%w: %s", ErrUnreachable, accessoryID)
	}
	return b.corr.Identify(ctx, accessoryID)
}

// Subscribe registers listener for value changes of one characteristic.
// Unreachable accessories may be subscribed; events resume when they return.
func (b *RealBridge) Subscribe(ctx context.Context, accessoryID, serviceID, characteristicID string,
	listener Listener) (SubscriptionHandle, error) {
	ref := CharacteristicRef{AccessoryID: accessoryID, ServiceID: serviceID, CharacteristicID: characteristicID}

	ch, err := b.resolve(ref, false)
	if err != nil {
		return "", err
	}
	if !ch.Notifies() {
		return "", fmt.Errorf("%w: %s does not send notifications", ErrUnsupported, ref)
	}

	return b.subs.Subscribe(ctx, ref, listener)
}

// Unsubscribe removes one listener. It always returns nil: a failed native
// de-observation is logged and the listener is removed regardless.
func (b *RealBridge) Unsubscribe(handle SubscriptionHandle) error {
	b.subs.Unsubscribe(handle)
	return nil
}

// UnsubscribeAll removes every listener. It always returns nil.
func (b *RealBridge) UnsubscribeAll() error {
	b.subs.UnsubscribeAll()
	return nil
}

// AddObserver registers a listener for kinds, or for every event when
// kinds is empty.
func (b *RealBridge) AddObserver(listener Listener, kinds ...EventKind) (func(), error) {
	if listener == nil {
		return nil, fmt.Errorf("%w: nil observer", ErrUnsupported)
	}
	return b.disp.AddObserver(listener, kinds...), nil
}

// SetDebugLoggingEnabled toggles process-wide debug logging.
func (b *RealBridge) SetDebugLoggingEnabled(enabled bool) error {
	logging.SetDebugEnabled(enabled)
	b.logger.Info("debug logging toggled", "enabled", enabled)
	return nil
}

// Subscriptions exposes the subscription table for diagnostics.
func (b *RealBridge) Subscriptions() *Subscriptions {
	return b.subs
}

// Correlator exposes the request table for diagnostics.
func (b *RealBridge) Correlator() *Correlator {
	return b.corr
}

func (b *RealBridge) usable() error {
	if b.isClosed() {
		return ErrShutdown
	}
	if !b.cache.Snapshot().Populated() {
		return ErrNotReady
	}
	return nil
}

// resolve looks ref up in the current snapshot. Missing ids win over
// reachability so that a typo is never reported as an offline device.
func (b *RealBridge) resolve(ref CharacteristicRef, requireReachable bool) (Characteristic, error) {
	if err := b.usable(); err != nil {
		return Characteristic{}, err
	}
	snap := b.cache.Snapshot()

	acc, ok := snap.accessories[ref.AccessoryID]
	if !ok {
		return Characteristic{}, fmt.Errorf("%w: accessory %s", ErrNotFound, ref.AccessoryID)
	}
	ch, ok := snap.Characteristic(ref)
	if !ok {
		return Characteristic{}, fmt.Errorf("%w: characteristic %s", ErrNotFound, ref)
	}
	if requireReachable && !acc.Reachable {
		return Characteristic{}, fmt.Errorf("%w: %s", ErrUnreachable, ref.AccessoryID)
	}
	return ch, nil
}

// dispatchable re-checks a queued write against the snapshot current when
// its turn comes, so a write never reaches an accessory that went away or
// offline while it waited.
func (b *RealBridge) dispatchable(ref CharacteristicRef) error {
	acc, ok := b.cache.Snapshot().accessories[ref.AccessoryID]
	if !ok {
		return fmt.Errorf("%w: accessory %s", ErrNotFound, ref.AccessoryID)
	}
	if !acc.Reachable {
		return fmt.Errorf("%w: %s", ErrUnreachable, ref.AccessoryID)
	}
	return nil
}

// =============================================================================
// Native Sink
// =============================================================================

// HandleCompletion resolves the pending request for c.Token. The cache is
// updated before the caller is released.
func (b *RealBridge) HandleCompletion(c Completion) {
	if !b.mut.submit(func() { b.complete(c) }) {
		b.logger.Debug("completion after shutdown dropped", "token", c.Token)
	}
}

func (b *RealBridge) complete(c Completion) {
	req := b.corr.take(c.Token)
	if req == nil {
		b.logger.Debug("late completion dropped", "token", c.Token)
		return
	}

	res := Completion{Token: c.Token}
	defer func() { b.corr.resolve(req, res) }()

	if c.Err != nil {
		res.Err = c.Err
		return
	}

	switch req.Kind {
	case RequestRead:
		value, err := b.normalizeFor(req.Ref, c.Value)
		if err != nil {
			res.Err = &NativeError{Op: string(RequestRead), Code: CodeInternal, Message: err.Error()}
			return
		}
		b.apply(valueDiff(req.Ref, value, SourceRead))
		res.Value = value

	case RequestWrite:
		value := req.Value
		if c.Value != nil {
			if confirmed, err := b.normalizeFor(req.Ref, c.Value); err == nil {
				value = confirmed
			} else {
				b.logger.Warn("ignoring malformed confirmed write value", "characteristic", req.Ref.String(), "error", err)
			}
		}
		b.apply(valueDiff(req.Ref, value, SourceWrite))
		res.Value = value
	}
}

// HandleNotification applies a native value change and fans it out.
func (b *RealBridge) HandleNotification(n Notification) {
	b.mut.submit(func() {
		value, err := b.normalizeFor(n.Ref, n.Value)
		if err != nil {
			b.logger.Warn("dropping malformed notification", "characteristic", n.Ref.String(), "error", err)
			return
		}
		b.apply(valueDiff(n.Ref, value, SourceNotification))
	})
}

// HandleReachability applies a reachability change for an accessory.
func (b *RealBridge) HandleReachability(accessoryID string, reachable bool) {
	b.mut.submit(func() {
		b.apply(reachabilityDiff(accessoryID, reachable))
	})
}

// HandleReconnect reconciles the cache and restores native observations
// after the native layer has been away.
func (b *RealBridge) HandleReconnect() {
	b.logger.Info("native layer reconnected")
	b.background(func(ctx context.Context) {
		b.subs.reobserve(ctx)
		if b.opts.DisableReconnectRefresh {
			return
		}
		if err := b.Refresh(ctx); err != nil {
			b.logger.Warn("refresh after reconnect failed", "error", err)
		}
	})
}

// HandleFatal tears the cache down after an unrecoverable native failure.
// A later successful Refresh brings the bridge back to ready.
func (b *RealBridge) HandleFatal(err error) {
	b.logger.Error("native layer failed", "error", err)

	b.corr.failAll(asNativeError("fatal", err))
	b.mut.submit(func() {
		b.disp.publish(b.cache.reset()...)
	})
	b.setState(StateFailed)
	b.background(func(context.Context) {
		b.subs.UnsubscribeAll()
	})
}

func (b *RealBridge) apply(d Diff) {
	b.disp.publish(b.cache.applyDiff(d)...)
}

// normalizeFor converts a native value using the characteristic's format.
// A characteristic missing from the cache passes the value through; the
// patch that follows drops it.
func (b *RealBridge) normalizeFor(ref CharacteristicRef, v any) (any, error) {
	ch, ok := b.cache.Snapshot().Characteristic(ref)
	if !ok {
		return v, nil
	}
	return NormalizeValue(ch.Format, v)
}
