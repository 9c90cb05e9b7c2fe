package homekit

import "context"

// UnavailableBridge is the Bridge for platforms without the native
// accessory framework. Every fallible operation returns
// ErrPlatformUnavailable; nothing is ever partially performed.
type UnavailableBridge struct{}

// NewUnavailableBridge returns the unavailable variant.
func NewUnavailableBridge() *UnavailableBridge {
	return &UnavailableBridge{}
}

func (*UnavailableBridge) Initialize(context.Context) error { return ErrPlatformUnavailable }
func (*UnavailableBridge) IsReady() bool                    { return false }
func (*UnavailableBridge) State() Lifecycle                 { return StateUninitialized }

func (*UnavailableBridge) Homes() ([]Home, error)                 { return nil, ErrPlatformUnavailable }
func (*UnavailableBridge) Home(string) (Home, error)              { return Home{}, ErrPlatformUnavailable }
func (*UnavailableBridge) Accessories() ([]Accessory, error)      { return nil, ErrPlatformUnavailable }
func (*UnavailableBridge) Stats() (Stats, error)                  { return Stats{}, ErrPlatformUnavailable }
func (*UnavailableBridge) Refresh(context.Context) error          { return ErrPlatformUnavailable }
func (*UnavailableBridge) Identify(context.Context, string) error { return ErrPlatformUnavailable }

func (*UnavailableBridge) Accessory(string) (AccessoryView, error) {
	return AccessoryView{}, ErrPlatformUnavailable
}

func (*UnavailableBridge) FindAccessoryByName(string) (AccessoryView, error) {
	return AccessoryView{}, ErrPlatformUnavailable
}

func (*UnavailableBridge) ReadCharacteristic(context.Context, string, string, string) (any, error) {
	return nil, ErrPlatformUnavailable
}

func (*UnavailableBridge) WriteCharacteristic(context.Context, string, string, string, any, WriteType) error {
	return ErrPlatformUnavailable
}

func (*UnavailableBridge) Subscribe(context.Context, string, string, string, Listener) (SubscriptionHandle, error) {
	return "", ErrPlatformUnavailable
}

func (*UnavailableBridge) AddObserver(Listener, ...EventKind) (func(), error) {
	return nil, ErrPlatformUnavailable
}

func (*UnavailableBridge) Unsubscribe(SubscriptionHandle) error { return ErrPlatformUnavailable }
func (*UnavailableBridge) UnsubscribeAll() error                { return ErrPlatformUnavailable }
func (*UnavailableBridge) SetDebugLoggingEnabled(bool) error    { return ErrPlatformUnavailable }

// Shutdown holds nothing to release.
func (*UnavailableBridge) Shutdown() {}

var (
	_ Bridge = (*UnavailableBridge)(nil)
	_ Bridge = (*RealBridge)(nil)
	_ Sink   = (*RealBridge)(nil)
)
