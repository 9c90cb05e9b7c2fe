package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/influxdb"
)

const (
	defaultBuffer        = 256
	defaultPruneInterval = time.Hour
	writeTimeout         = 5 * time.Second
)

// TelemetryWriter receives numeric samples. *influxdb.Client satisfies it.
type TelemetryWriter interface {
	WriteCharacteristicValue(s influxdb.CharacteristicSample) bool
}

// RecorderConfig configures a Recorder. Repository and Telemetry are both
// optional; a Recorder with neither just counts events.
type RecorderConfig struct {
	Repository Repository
	Telemetry  TelemetryWriter

	// TypeOf resolves the characteristic type for telemetry tags.
	TypeOf func(ref homekit.CharacteristicRef) string

	// Retention prunes journal rows older than this. Zero disables pruning.
	Retention time.Duration

	// PruneInterval defaults to an hour.
	PruneInterval time.Duration

	// Buffer is the queue depth between the dispatcher and the writer.
	Buffer int

	Logger homekit.Logger
}

// Recorder writes characteristic changes to the journal and telemetry.
type Recorder struct {
	cfg    RecorderConfig
	logger homekit.Logger

	queue chan homekit.Event
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// RecorderStats counts what the recorder has done since it started.
type RecorderStats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

// NewRecorder starts the writer goroutine. Call Close to drain and stop it.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	r := &Recorder{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan homekit.Event, cfg.Buffer),
		done:   make(chan struct{}),
	}
	if r.logger == nil {
		r.logger = nopLogger{}
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// Observe is a homekit.Listener. It never blocks: when the queue is full
// the event is dropped and counted.
func (r *Recorder) Observe(e homekit.Event) {
	if e.Kind != homekit.EventCharacteristicChanged || r.closed.Load() {
		return
	}
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("history queue full, dropping changes", "buffer", r.cfg.Buffer)
		}
	}
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
	}
}

// Close stops accepting events, writes what is queued and waits for the
// writer to exit.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	var prune <-chan time.Time
	if r.cfg.Retention > 0 && r.cfg.Repository != nil {
		ticker := time.NewTicker(r.cfg.PruneInterval)
		defer ticker.Stop()
		prune = ticker.C
		r.prune()
	}

	for {
		select {
		case e := <-r.queue:
			r.record(e)
		case <-prune:
			r.prune()
		case <-r.done:
			for {
				select {
				case e := <-r.queue:
					r.record(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) record(e homekit.Event) {
	ref := e.Ref()
	ok := true

	if r.cfg.Repository != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.cfg.Repository.Record(ctx, Change{Ref: ref, Value: e.Value, Source: e.Source, At: e.Time})
		cancel()
		if err != nil {
			ok = false
			r.logger.Warn("recording characteristic history", "ref", ref.String(), "error", err)
		}
	}

	if r.cfg.Telemetry != nil {
		s := influxdb.CharacteristicSample{
			AccessoryID:      ref.AccessoryID,
			ServiceID:        ref.ServiceID,
			CharacteristicID: ref.CharacteristicID,
			Value:            e.Value,
			Source:           string(e.Source),
			Time:             e.Time,
		}
		if r.cfg.TypeOf != nil {
			s.Type = r.cfg.TypeOf(ref)
		}
		r.cfg.Telemetry.WriteCharacteristicValue(s)
	}

	if ok {
		r.recorded.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	n, err := r.cfg.Repository.Prune(ctx, r.cfg.Retention)
	if err != nil {
		r.logger.Warn("pruning characteristic history", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned characteristic history", "rows", n, "retention", r.cfg.Retention.String())
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
