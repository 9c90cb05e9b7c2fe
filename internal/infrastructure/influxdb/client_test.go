package influxdb_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/influxdb"
)

// testConfig points at a local development InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "accessorybridge-dev-token",
		Org:           "accessorybridge",
		Bucket:        "characteristics",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// connectOrSkip returns a live client or skips when no server is reachable.
func connectOrSkip(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		if os.Getenv("RUN_INTEGRATION") != "" {
			t.Fatalf("Connect() error = %v", err)
		}
		t.Skip("InfluxDB not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup
	return client
}

// =============================================================================
// Point conversion
// =============================================================================

func TestNumericValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  float64
		ok    bool
	}{
		{"true", true, 1, true},
		{"false", false, 0, true},
		{"int64", int64(-4), -4, true},
		{"uint64", uint64(80), 80, true},
		{"float64", 20.5, 20.5, true},
		{"string", "on", 0, false},
		{"bytes", []byte{1}, 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := influxdb.NumericValue(tt.value)
			if got != tt.want || ok != tt.ok {
				t.Errorf("NumericValue(%v) = %v, %v; want %v, %v", tt.value, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCharacteristicPoint(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p, ok := influxdb.CharacteristicPoint(influxdb.CharacteristicSample{
		AccessoryID:      "A1",
		ServiceID:        "S1",
		CharacteristicID: "C2",
		Type:             "Brightness",
		Value:            int64(80),
		Source:           "write",
		Time:             ts,
	})
	if !ok {
		t.Fatal("CharacteristicPoint() ok = false")
	}
	if p.Name() != influxdb.MeasurementCharacteristic {
		t.Errorf("Name() = %q, want %q", p.Name(), influxdb.MeasurementCharacteristic)
	}
	if !p.Time().Equal(ts) {
		t.Errorf("Time() = %v, want %v", p.Time(), ts)
	}

	line := write.PointToLineProtocol(p, time.Nanosecond)
	for _, want := range []string{
		"accessory_id=A1",
		"service_id=S1",
		"characteristic_id=C2",
		"type=Brightness",
		"source=write",
		"value=80",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line protocol %q missing %q", line, want)
		}
	}

	if _, ok := influxdb.CharacteristicPoint(influxdb.CharacteristicSample{Value: "text"}); ok {
		t.Error("CharacteristicPoint() accepted a string value")
	}
}

func TestCharacteristicPoint_DefaultsTime(t *testing.T) {
	before := time.Now()
	p, ok := influxdb.CharacteristicPoint(influxdb.CharacteristicSample{AccessoryID: "A1", Value: true})
	if !ok {
		t.Fatal("CharacteristicPoint() ok = false")
	}
	if p.Time().Before(before) {
		t.Errorf("Time() = %v, want >= %v", p.Time(), before)
	}
	if line := write.PointToLineProtocol(p, time.Nanosecond); strings.Contains(line, "source=") {
		t.Errorf("empty source should not be tagged: %q", line)
	}
}

// =============================================================================
// Connection
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *influxdb.Client
	if c.IsConnected() {
		t.Error("nil IsConnected() = true")
	}
	if c.WriteCharacteristicValue(influxdb.CharacteristicSample{Value: 1.0}) {
		t.Error("nil WriteCharacteristicValue() = true")
	}
	if err := c.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestWriteCharacteristicValue(t *testing.T) {
	client := connectOrSkip(t)

	var (
		mu       sync.Mutex
		writeErr error
	)
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	if !client.WriteCharacteristicValue(influxdb.CharacteristicSample{
		AccessoryID: "test-acc", ServiceID: "S1", CharacteristicID: "C1",
		Value: 21.5, Source: "notification",
	}) {
		t.Fatal("WriteCharacteristicValue() = false")
	}
	if client.WriteCharacteristicValue(influxdb.CharacteristicSample{AccessoryID: "test-acc", Value: "x"}) {
		t.Error("string value should not be written")
	}
	client.Flush()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("write error = %v", writeErr)
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	client := connectOrSkip(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close() = %v, want ErrNotConnected", err)
	}
	if client.WriteCharacteristicValue(influxdb.CharacteristicSample{Value: 1.0}) {
		t.Error("WriteCharacteristicValue() after Close() = true")
	}
	client.Flush()
}
