// Package simulator provides an in-memory native accessory layer.
//
// The simulator implements homekit.Native without any platform framework.
// It loads an accessory graph from a YAML fixture, answers reads, writes
// and identifies asynchronously after a configurable latency, and emits
// notifications for observed characteristics when their value is changed
// through SetValue.
//
// # Usage
//
//	graph, err := simulator.LoadFixture("configs/fixtures/demo-home.yaml")
//	if err != nil {
//	    return err
//	}
//	sim := simulator.New(simulator.WithGraph(graph), simulator.WithLatency(50*time.Millisecond))
//	bridge, err := homekit.New(homekit.Options{Native: sim})
//
// # Failure Injection
//
// FailNext, Drop, Disconnect, Reconnect and Fail drive the bridge through
// its error paths. The simulator also records observe calls, writes and
// write overlap so tests can assert on what reached the native side.
package simulator
