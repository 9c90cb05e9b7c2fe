package homekit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newTestBridge(t *testing.T) (*RealBridge, *fakeNative) {
	t.Helper()
	native := newFakeNative(testGraph())
	b, err := NewRealBridge(Options{Native: native, RequestTimeout: time.Second, RefreshTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewRealBridge() error = %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b, native
}

func newReadyBridge(t *testing.T) (*RealBridge, *fakeNative) {
	t.Helper()
	b, native := newTestBridge(t)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return b, native
}

func TestNew_SelectsVariant(t *testing.T) {
	b, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := b.(*UnavailableBridge); !ok {
		t.Errorf("New() without native = %T, want *UnavailableBridge", b)
	}

	b, err = New(Options{Native: newFakeNative(testGraph())})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown()
	if _, ok := b.(*RealBridge); !ok {
		t.Errorf("New() with native = %T, want *RealBridge", b)
	}
}

func TestBridge_NotReadyBeforeInitialize(t *testing.T) {
	b, native := newTestBridge(t)
	ctx := context.Background()

	if b.IsReady() || b.State() != StateUninitialized {
		t.Errorf("State() = %s, want uninitialized", b.State())
	}
	if _, err := b.ReadCharacteristic(ctx, "A1", "S1", "C1"); !errors.Is(err, ErrNotReady) {
		t.Errorf("ReadCharacteristic() error = %v, want ErrNotReady", err)
	}
	if err := b.Identify(ctx, "A1"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Identify() error = %v, want ErrNotReady", err)
	}
	homes, err := b.Homes()
	if err != nil || len(homes) != 0 {
		t.Errorf("Homes() = %v, %v; want empty, nil", homes, err)
	}
	native.noRequest(t, 10*time.Millisecond)
}

func TestBridge_Initialize(t *testing.T) {
	b, _ := newTestBridge(t)

	rec := &eventRecorder{}
	if _, err := b.AddObserver(rec.listen); err != nil {
		t.Fatalf("AddObserver() error = %v", err)
	}

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !b.IsReady() {
		t.Errorf("State() = %s, want ready", b.State())
	}
	stats, _ := b.Stats()
	if stats.Homes != 2 || stats.Accessories != 3 {
		t.Errorf("Stats() = %+v", stats)
	}

	eventually(t, "ready event", func() bool {
		for _, e := range rec.snapshot() {
			if e.Kind == EventReadinessChanged && e.State == StateReady {
				return true
			}
		}
		return false
	})
}

func TestBridge_InitializeFailure(t *testing.T) {
	b, native := newTestBridge(t)
	native.fetchErr = errors.New("framework not authorised")

	if err := b.Initialize(context.Background()); !errors.Is(err, ErrNativeError) {
		t.Errorf("Initialize() error = %v, want ErrNativeError", err)
	}
	if b.State() != StateFailed {
		t.Errorf("State() = %s, want failed", b.State())
	}

	native.mu.Lock()
	native.fetchErr = nil
	native.mu.Unlock()
	if err := b.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !b.IsReady() {
		t.Errorf("State() after refresh = %s, want ready", b.State())
	}
}

func TestBridge_ReadUpdatesCache(t *testing.T) {
	b, native := newReadyBridge(t)

	rec := &eventRecorder{}
	if _, err := b.Subscribe(context.Background(), "A1", "S1", "C1", rec.listen); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	done := make(chan result, 1)
	go func() {
		v, err := b.ReadCharacteristic(context.Background(), "A1", "S1", "C1")
		done <- result{v, err}
	}()

	req := native.nextRequest(t)
	b.HandleCompletion(Completion{Token: req.token, Value: 1})

	res := <-done
	if res.err != nil || res.value != true {
		t.Fatalf("ReadCharacteristic() = %v, %v; want true, nil", res.value, res.err)
	}
	// The cache is updated before the caller is released.
	if ch, _ := b.Cache().Characteristic(refLampOn); ch.Value != true {
		t.Errorf("cached value = %v, want true", ch.Value)
	}

	eventually(t, "read event", func() bool { return rec.count() == 1 })
	if e := rec.snapshot()[0]; e.Source != SourceRead || e.Value != true {
		t.Errorf("event = %+v, want read source with value true", e)
	}
}

func TestBridge_WriteUpdatesCache(t *testing.T) {
	tests := []struct {
		name      string
		writeType WriteType
		confirmed any
		want      any
	}{
		{"default write stores written value", WriteTypeDefault, nil, int64(80)},
		{"confirmed value wins", WriteTypeWithResponse, 75.0, int64(75)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, native := newReadyBridge(t)

			done := make(chan error, 1)
			go func() {
				done <- b.WriteCharacteristic(context.Background(), "A1", "S1", "C2", 80.0, tt.writeType)
			}()

			req := native.nextRequest(t)
			if req.value != int64(80) || req.writeType != tt.writeType {
				t.Errorf("native write = %+v, want normalized int64(80)", req)
			}
			b.HandleCompletion(Completion{Token: req.token, Value: tt.confirmed})

			if err := <-done; err != nil {
				t.Fatalf("WriteCharacteristic() error = %v", err)
			}
			if ch, _ := b.Cache().Characteristic(refLampBrightness); ch.Value != tt.want {
				t.Errorf("cached value = %#v, want %#v", ch.Value, tt.want)
			}
		})
	}
}

func TestBridge_FailedWriteLeavesCache(t *testing.T) {
	b, native := newReadyBridge(t)

	done := make(chan error, 1)
	go func() {
		done <- b.WriteCharacteristic(context.Background(), "A1", "S1", "C1", true, WriteTypeDefault)
	}()
	req := native.nextRequest(t)
	b.HandleCompletion(Completion{Token: req.token, Err: &NativeError{Op: "write", Code: CodeBusy, Message: "accessory busy"}})

	if err := <-done; !errors.Is(err, ErrNativeError) {
		t.Errorf("WriteCharacteristic() error = %v, want ErrNativeError", err)
	}
	if ch, _ := b.Cache().Characteristic(refLampOn); ch.Value != false {
		t.Errorf("cached value = %v, want unchanged false", ch.Value)
	}
}

func TestBridge_OperationErrors(t *testing.T) {
	b, native := newReadyBridge(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		op      func() error
		wantErr error
	}{
		{"read unknown accessory", func() error {
			_, err := b.ReadCharacteristic(ctx, "A9", "S1", "C1")
			return err
		}, ErrNotFound},
		{"read unknown characteristic", func() error {
			_, err := b.ReadCharacteristic(ctx, "A1", "S1", "C9")
			return err
		}, ErrNotFound},
		{"read unknown service", func() error {
			_, err := b.ReadCharacteristic(ctx, "A1", "S9", "C1")
			return err
		}, ErrNotFound},
		{"read unreachable accessory", func() error {
			_, err := b.ReadCharacteristic(ctx, "A3", "S1", "C1")
			return err
		}, ErrUnreachable},
		{"unknown id on unreachable accessory is not found", func() error {
			_, err := b.ReadCharacteristic(ctx, "A3", "S1", "C9")
			return err
		}, ErrNotFound},
		{"write read-only characteristic", func() error {
			return b.WriteCharacteristic(ctx, "A2", "S1", "C1", 21.0, WriteTypeDefault)
		}, ErrUnsupported},
		{"write out of range", func() error {
			return b.WriteCharacteristic(ctx, "A1", "S1", "C2", 101, WriteTypeDefault)
		}, ErrUnsupported},
		{"write wrong type", func() error {
			return b.WriteCharacteristic(ctx, "A1", "S1", "C1", "yes", WriteTypeDefault)
		}, ErrUnsupported},
		{"write unreachable", func() error {
			return b.WriteCharacteristic(ctx, "A3", "S1", "C1", false, WriteTypeDefault)
		}, ErrUnreachable},
		{"identify unknown", func() error {
			return b.Identify(ctx, "A9")
		}, ErrNotFound},
		{"identify unreachable", func() error {
			return b.Identify(ctx, "A3")
		}, ErrUnreachable},
		{"subscribe unknown", func() error {
			_, err := b.Subscribe(ctx, "A1", "S1", "C9", func(Event) {})
			return err
		}, ErrNotFound},
		{"home unknown", func() error {
			_, err := b.Home("H9")
			return err
		}, ErrNotFound},
		{"accessory by name unknown", func() error {
			_, err := b.FindAccessoryByName("Toaster")
			return err
		}, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// None of the failures may reach the native layer.
	native.noRequest(t, 10*time.Millisecond)
}

func TestBridge_SubscribeUnreachableAllowed(t *testing.T) {
	b, native := newReadyBridge(t)

	if _, err := b.Subscribe(context.Background(), "A3", "S1", "C1", func(Event) {}); err != nil {
		t.Fatalf("Subscribe() on unreachable accessory error = %v", err)
	}
	if obs, _ := native.observeCount(refGarageLamp); obs != 1 {
		t.Errorf("native observes = %d, want 1", obs)
	}
}

func TestBridge_Notifications(t *testing.T) {
	b, _ := newReadyBridge(t)

	rec := &eventRecorder{}
	if _, err := b.Subscribe(context.Background(), "A2", "S1", "C1", rec.listen); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.HandleNotification(Notification{Ref: refSensorTemp, Value: 22})
	b.HandleNotification(Notification{Ref: refSensorTemp, Value: "warm"}) // malformed, dropped
	b.HandleNotification(Notification{Ref: refSensorTemp, Value: 22})

	eventually(t, "notifications", func() bool { return rec.count() == 2 })
	for _, e := range rec.snapshot() {
		if e.Value != 22.0 || e.Source != SourceNotification {
			t.Errorf("event = %+v, want 22.0 from notification", e)
		}
	}
	if ch, _ := b.Cache().Characteristic(refSensorTemp); ch.Value != 22.0 {
		t.Errorf("cached value = %v, want 22.0", ch.Value)
	}
}

func TestBridge_Reachability(t *testing.T) {
	b, native := newReadyBridge(t)

	b.HandleReachability("A1", false)
	eventually(t, "reachability patch", func() bool {
		v, _ := b.Accessory("A1")
		return !v.Reachable
	})

	if _, err := b.ReadCharacteristic(context.Background(), "A1", "S1", "C1"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("ReadCharacteristic() error = %v, want ErrUnreachable", err)
	}
	native.noRequest(t, 10*time.Millisecond)
}

func TestBridge_QueuedWriteRechecksReachability(t *testing.T) {
	b, native := newReadyBridge(t)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- b.WriteCharacteristic(ctx, "A1", "S1", "C1", true, WriteTypeDefault) }()
	req := native.nextRequest(t)

	second := make(chan error, 1)
	go func() { second <- b.WriteCharacteristic(ctx, "A1", "S1", "C1", false, WriteTypeDefault) }()
	eventually(t, "second write to queue", func() bool { return b.corr.QueuedWrites(refLampOn) == 1 })

	b.HandleReachability("A1", false)
	eventually(t, "reachability patch", func() bool {
		v, _ := b.Accessory("A1")
		return !v.Reachable
	})

	b.HandleCompletion(Completion{Token: req.token})
	if err := <-first; err != nil {
		t.Fatalf("first WriteCharacteristic() error = %v", err)
	}
	if err := <-second; !errors.Is(err, ErrUnreachable) {
		t.Errorf("queued WriteCharacteristic() error = %v, want ErrUnreachable", err)
	}
	native.noRequest(t, 20*time.Millisecond)
	if n := b.corr.QueuedWrites(refLampOn); n != 0 {
		t.Errorf("QueuedWrites() = %d, want 0", n)
	}
}

func TestBridge_ShutdownFromListener(t *testing.T) {
	b, _ := newReadyBridge(t)

	var once sync.Once
	returned := make(chan struct{})
	if _, err := b.Subscribe(context.Background(), "A2", "S1", "C1", func(Event) {
		once.Do(func() {
			b.Shutdown()
			close(returned)
		})
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.HandleNotification(Notification{Ref: refSensorTemp, Value: 22})

	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown() called from a listener did not return")
	}
	if b.State() != StateUninitialized {
		t.Errorf("State() = %s, want uninitialized", b.State())
	}
}

func TestBridge_RefreshDropsRemovedSubscriptions(t *testing.T) {
	b, native := newReadyBridge(t)
	ctx := context.Background()

	if _, err := b.Subscribe(ctx, "A2", "S1", "C1", func(Event) {}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ctx, "A1", "S1", "C1", func(Event) {}); err != nil {
		t.Fatal(err)
	}

	g := testGraph()
	g.Homes[0].Accessories = g.Homes[0].Accessories[:1]
	native.setGraph(g)
	if err := b.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	subs := b.Subscriptions()
	if subs.Count() != 1 {
		t.Errorf("Count() = %d, want 1", subs.Count())
	}
	if subs.State(refSensorTemp) != Unobserved {
		t.Errorf("State(%s) = %v, want unobserved", refSensorTemp, subs.State(refSensorTemp))
	}
	if _, unobs := native.observeCount(refSensorTemp); unobs != 1 {
		t.Errorf("unobserves for %s = %d, want 1", refSensorTemp, unobs)
	}
	if subs.State(refLampOn) != Observing {
		t.Errorf("State(%s) = %v, want observing", refLampOn, subs.State(refLampOn))
	}
}

func TestBridge_UnsubscribeIgnoresNativeFailure(t *testing.T) {
	b, native := newReadyBridge(t)

	handle, err := b.Subscribe(context.Background(), "A1", "S1", "C1", func(Event) {})
	if err != nil {
		t.Fatal(err)
	}
	native.unobserveErr = &NativeError{Op: "unobserve", Code: CodeInternal, Message: "host gone"}

	if err := b.Unsubscribe(handle); err != nil {
		t.Errorf("Unsubscribe() error = %v, want nil", err)
	}
	if n := b.Subscriptions().Count(); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestBridge_LateCompletionDropped(t *testing.T) {
	native := newFakeNative(testGraph())
	b, err := NewRealBridge(Options{Native: native, RequestTimeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRealBridge() error = %v", err)
	}
	defer b.Shutdown()
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if _, err := b.ReadCharacteristic(context.Background(), "A1", "S1", "C1"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadCharacteristic() error = %v, want ErrTimeout", err)
	}
	req := native.nextRequest(t)
	version := b.Cache().Snapshot().Version()

	b.HandleCompletion(Completion{Token: req.token, Value: true})
	time.Sleep(20 * time.Millisecond)

	if b.Cache().Snapshot().Version() != version {
		t.Error("late completion changed the cache")
	}
}

func TestBridge_RefreshAppliesNativeChanges(t *testing.T) {
	b, native := newReadyBridge(t)

	rec := &eventRecorder{}
	if _, err := b.AddObserver(rec.listen); err != nil {
		t.Fatal(err)
	}

	g := testGraph()
	g.Homes[0].Accessories = g.Homes[0].Accessories[:1]
	native.setGraph(g)

	if err := b.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, err := b.Accessory("A2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Accessory(A2) error = %v, want ErrNotFound", err)
	}
	eventually(t, "removal event", func() bool {
		for _, e := range rec.snapshot() {
			if e.Kind == EventAccessoryRemoved && e.AccessoryID == "A2" {
				return true
			}
		}
		return false
	})
}

func TestBridge_Fatal(t *testing.T) {
	b, native := newReadyBridge(t)
	ctx := context.Background()

	if _, err := b.Subscribe(ctx, "A1", "S1", "C1", func(Event) {}); err != nil {
		t.Fatal(err)
	}

	done := make(chan result, 1)
	go func() {
		v, err := b.ReadCharacteristic(ctx, "A1", "S1", "C1")
		done <- result{v, err}
	}()
	native.nextRequest(t)

	b.HandleFatal(errors.New("framework crashed"))

	if res := <-done; !errors.Is(res.err, ErrNativeError) {
		t.Errorf("pending read error = %v, want ErrNativeError", res.err)
	}
	if b.State() != StateFailed {
		t.Errorf("State() = %s, want failed", b.State())
	}
	eventually(t, "cache reset", func() bool { return !b.Cache().Snapshot().Populated() })
	eventually(t, "subscriptions dropped", func() bool { return b.Subscriptions().Count() == 0 })

	if err := b.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !b.IsReady() {
		t.Errorf("State() after refresh = %s, want ready", b.State())
	}
}

func TestBridge_Reconnect(t *testing.T) {
	b, native := newReadyBridge(t)

	if _, err := b.Subscribe(context.Background(), "A1", "S1", "C1", func(Event) {}); err != nil {
		t.Fatal(err)
	}
	fetches := native.fetchCount()

	b.HandleReconnect()

	eventually(t, "re-observe", func() bool {
		obs, _ := native.observeCount(refLampOn)
		return obs == 2
	})
	eventually(t, "refresh", func() bool { return native.fetchCount() == fetches+1 })
}

func TestBridge_Shutdown(t *testing.T) {
	b, native := newReadyBridge(t)
	ctx := context.Background()

	handle, err := b.Subscribe(ctx, "A1", "S1", "C1", func(Event) {})
	if err != nil {
		t.Fatal(err)
	}

	b.Shutdown()
	b.Shutdown()

	if _, unobs := native.observeCount(refLampOn); unobs != 1 {
		t.Errorf("unobserves = %d, want 1", unobs)
	}
	if b.State() != StateUninitialized {
		t.Errorf("State() = %s, want uninitialized", b.State())
	}
	if _, err := b.ReadCharacteristic(ctx, "A1", "S1", "C1"); !errors.Is(err, ErrShutdown) {
		t.Errorf("ReadCharacteristic() error = %v, want ErrShutdown", err)
	}
	if err := b.Initialize(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("Initialize() error = %v, want ErrShutdown", err)
	}
	if accs, _ := b.Accessories(); len(accs) != 0 {
		t.Errorf("Accessories() after shutdown = %d, want 0", len(accs))
	}

	// Still safe after shutdown.
	if err := b.Unsubscribe(handle); err != nil {
		t.Errorf("Unsubscribe() after shutdown error = %v", err)
	}
	b.HandleCompletion(Completion{Token: "late"})
	b.HandleNotification(Notification{Ref: refLampOn, Value: true})
}

func TestBridge_ShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	native := newFakeNative(testGraph())
	b, err := NewRealBridge(Options{Native: native, RequestTimeout: time.Second, RefreshTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewRealBridge() error = %v", err)
	}
	ctx := context.Background()
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := b.Subscribe(ctx, "A1", "S1", "C1", func(Event) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := b.ReadCharacteristic(ctx, "A1", "S1", "C1")
		readErr <- err
	}()
	native.nextRequest(t)

	b.Shutdown()

	if err := <-readErr; !errors.Is(err, ErrShutdown) {
		t.Errorf("pending ReadCharacteristic() error = %v, want %v", err, ErrShutdown)
	}
}
