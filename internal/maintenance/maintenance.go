// Package maintenance runs the broker's periodic background jobs: flushing
// the index store's Avro checkpoint, and logging the corrupt-frame counter
// and the shared time cell. Grounded on the teacher's internal/taskManager
// (gocron.Scheduler, one registerXxx function per job, Start/Shutdown).
package maintenance

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/dlt-tools/dltbroker/internal/dltlog"
)

// Broker is the subset of the broker façade maintenance jobs report on.
type Broker interface {
	CorruptFrameCount() int64
	Time() float64
}

// IndexFlusher persists the current in-memory frame index, mirroring the
// indexstore.Store.Save signature without importing indexstore directly (it
// keeps this package usable without a file source configured).
type IndexFlusher interface {
	FlushIndex() error
}

// Scheduler owns the gocron instance and every registered job.
type Scheduler struct {
	s gocron.Scheduler
}

// Config controls which jobs run and at what cadence.
type Config struct {
	Broker             Broker
	IndexFlusher       IndexFlusher // nil disables the checkpoint-flush job
	CheckpointInterval time.Duration
	StatsInterval      time.Duration
}

const (
	defaultCheckpointInterval = 1 * time.Minute
	defaultStatsInterval      = 5 * time.Minute
)

// New builds a Scheduler with the configured jobs registered but not yet
// started.
func New(cfg Config) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sch := &Scheduler{s: s}

	if cfg.IndexFlusher != nil {
		interval := cfg.CheckpointInterval
		if interval <= 0 {
			interval = defaultCheckpointInterval
		}
		sch.registerCheckpointFlush(cfg.IndexFlusher, interval)
	}

	if cfg.Broker != nil {
		interval := cfg.StatsInterval
		if interval <= 0 {
			interval = defaultStatsInterval
		}
		sch.registerStatsLog(cfg.Broker, interval)
	}

	return sch, nil
}

func (sch *Scheduler) registerCheckpointFlush(flusher IndexFlusher, interval time.Duration) {
	dltlog.Lifecyclef("maintenance: registering index checkpoint flush every %s", interval)
	sch.s.NewJob(gocron.DurationJob(interval), gocron.NewTask(func() {
		if err := flusher.FlushIndex(); err != nil {
			dltlog.Errorf("maintenance: index checkpoint flush failed: %v", err)
		}
	}))
}

func (sch *Scheduler) registerStatsLog(b Broker, interval time.Duration) {
	dltlog.Lifecyclef("maintenance: registering stats log every %s", interval)
	sch.s.NewJob(gocron.DurationJob(interval), gocron.NewTask(func() {
		dltlog.Debugf("maintenance: corrupt_frame_count=%d time_cell=%.6f", b.CorruptFrameCount(), b.Time())
	}))
}

// Start begins running registered jobs in the background.
func (sch *Scheduler) Start() { sch.s.Start() }

// Shutdown stops the scheduler and waits for in-flight jobs to finish.
func (sch *Scheduler) Shutdown() error { return sch.s.Shutdown() }
