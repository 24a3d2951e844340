// Package broker implements C7: the façade that owns the dispatcher and
// context handler workers, the optional ack dispatcher, and every optional
// collaborator (NATS re-publication, the index store, the status HTTP
// surface, the maintenance scheduler). Grounded on dlt_broker.py's
// DLTBroker: start/add_context/remove_context/stop/time, plus the
// background ack-dispatcher thread described in spec.md §4.7.
package broker

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlt-tools/dltbroker/internal/config"
	"github.com/dlt-tools/dltbroker/internal/contexthandler"
	"github.com/dlt-tools/dltbroker/internal/criteria"
	"github.com/dlt-tools/dltbroker/internal/dispatcher"
	"github.com/dlt-tools/dltbroker/internal/dltcodec"
	"github.com/dlt-tools/dltbroker/internal/dltlog"
	"github.com/dlt-tools/dltbroker/internal/dltmetrics"
	"github.com/dlt-tools/dltbroker/internal/dltnats"
	"github.com/dlt-tools/dltbroker/internal/filereader"
	"github.com/dlt-tools/dltbroker/internal/filterset"
	"github.com/dlt-tools/dltbroker/internal/indexstore"
	"github.com/dlt-tools/dltbroker/internal/maintenance"
	"github.com/dlt-tools/dltbroker/internal/socketsource"
	"github.com/dlt-tools/dltbroker/internal/statusapi"
	"github.com/dlt-tools/dltbroker/internal/timecell"
)

// ErrAckTimeout is returned by AddContext/RemoveContext when
// enableFilterAck is on, ignoreAckTimeout is off, and no ack arrives within
// the configured timeout (spec.md §4.7, §8 scenario 6).
var ErrAckTimeout = fmt.Errorf("broker: ack timeout")

// Options controls the façade's ack behavior, independent of how the
// source/sinks are wired, so tests can build a Broker without touching the
// package-level config.Keys.
type Options struct {
	EnableFilterAck  bool
	AckTimeout       time.Duration
	IgnoreAckTimeout bool
}

const (
	filterControlCapacity = 64
	messagesCapacity      = 1024
	ackCapacity           = 64
)

// Broker is the C7 façade. Construct with New, register subscribers with
// AddContext, then call Start.
type Broker struct {
	opts Options

	source     dispatcher.Source
	fileReader *filereader.Reader // non-nil only when the source is a file

	dispatcher *dispatcher.Dispatcher
	ctxHandler *contexthandler.Handler
	timeCell   *timecell.Cell

	sinkFile   *os.File
	natsSink   *dltnats.Sink
	indexStore *indexstore.Store
	statusAPI  *statusapi.Server
	maintSched *maintenance.Scheduler

	filterControl chan dispatcher.FilterControlMsg
	messages      chan dispatcher.Delivery
	ack           chan dispatcher.AckMsg

	ackWaitersMu sync.Mutex
	ackWaiters   map[string]chan dispatcher.AckMsg
	nextAckID    atomic.Uint64

	coreWG  sync.WaitGroup // dispatcher + context handler loops
	ackWG   sync.WaitGroup // ack dispatcher loop, joined only after coreWG
	started atomic.Bool
	stopped atomic.Bool
}

// New wires a Broker around an already-constructed source and its optional
// collaborators. sinkFile, natsSink, indexStore, and opts.EnableFilterAck's
// ack machinery are all individually optional (nil/zero disables them).
func New(source dispatcher.Source, fileReader *filereader.Reader, sinkFile *os.File, natsSink *dltnats.Sink, store *indexstore.Store, opts Options) *Broker {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 2 * time.Second
	}

	b := &Broker{
		opts:          opts,
		source:        source,
		fileReader:    fileReader,
		sinkFile:      sinkFile,
		natsSink:      natsSink,
		indexStore:    store,
		timeCell:      timecell.New(),
		filterControl: make(chan dispatcher.FilterControlMsg, filterControlCapacity),
		messages:      make(chan dispatcher.Delivery, messagesCapacity),
		ack:           make(chan dispatcher.AckMsg, ackCapacity),
		ackWaiters:    make(map[string]chan dispatcher.AckMsg),
	}

	b.dispatcher = dispatcher.New(dispatcher.Config{
		Source:        source,
		FilterControl: b.filterControl,
		Messages:      b.messages,
		Ack:           b.ack,
		TimeCell:      b.timeCell,
		SinkFile:      sinkFile,
	})
	b.ctxHandler = contexthandler.New(contexthandler.Config{
		FilterControl: b.filterControl,
		Messages:      b.messages,
	})

	return b
}

// NewFromConfig builds the source and every optional collaborator from the
// package-level config.Keys, the ambient pattern the teacher uses
// throughout (job/metric subsystems read config.Keys directly rather than
// threading configuration structs through constructors).
func NewFromConfig() (*Broker, error) {
	source, fileReader, err := newSourceFromConfig()
	if err != nil {
		return nil, err
	}

	var sinkFile *os.File
	if config.Keys.SinkFile != "" {
		f, err := os.OpenFile(config.Keys.SinkFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("broker: open sink file %s: %w", config.Keys.SinkFile, err)
		}
		sinkFile = f
	}

	natsSink, err := dltnats.Dial(dltnats.Config{
		Address:       config.Keys.Nats.Address,
		Subject:       config.Keys.Nats.Subject,
		Username:      config.Keys.Nats.Username,
		Password:      config.Keys.Nats.Password,
		CredsFilePath: config.Keys.Nats.CredsFilePath,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: nats: %w", err)
	}

	var store *indexstore.Store
	if config.Keys.IndexStore.Enabled {
		store, err = indexstore.Open(config.Keys.IndexStore.SqlitePath, config.Keys.IndexStore.AvroDir)
		if err != nil {
			return nil, fmt.Errorf("broker: index store: %w", err)
		}
	}

	b := New(source, fileReader, sinkFile, natsSink, store, Options{
		EnableFilterAck:  config.Keys.EnableFilterAck,
		AckTimeout:       config.AckTimeoutDuration(),
		IgnoreAckTimeout: config.Keys.IgnoreAckTimeout,
	})

	if config.Keys.StatusAPI.Enabled {
		b.statusAPI = statusapi.New(config.Keys.StatusAPI.Addr, b, dltmetrics.Registry())
	}

	if store != nil || config.Keys.Maintenance.CheckpointInterval != "" {
		var flusher maintenance.IndexFlusher
		if store != nil && fileReader != nil {
			flusher = b
		}
		sched, err := maintenance.New(maintenance.Config{
			Broker:             b,
			IndexFlusher:       flusher,
			CheckpointInterval: config.CheckpointIntervalDuration(),
			StatsInterval:      config.StatsIntervalDuration(),
		})
		if err != nil {
			return nil, fmt.Errorf("broker: maintenance: %w", err)
		}
		b.maintSched = sched
	}

	return b, nil
}

func newSourceFromConfig() (dispatcher.Source, *filereader.Reader, error) {
	switch config.Keys.Source.Kind {
	case config.SourceFile:
		mode := filereader.ModeBatch
		if config.Keys.Source.Live {
			mode = filereader.ModeLive
		}
		r, err := filereader.Open(config.Keys.Source.Path, mode)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil

	case config.SourceSocket:
		mode := socketsource.DeriveMode(config.Keys.Source.Address)
		if config.Keys.Source.HostInterface != "" {
			mode = socketsource.ModeUDPMulticast
		}
		c := socketsource.New(socketsource.Config{
			Mode:           mode,
			IPAddress:      config.Keys.Source.Address,
			Port:           config.Keys.Source.Port,
			HostInterface:  config.Keys.Source.HostInterface,
			ConnectTimeout: config.ConnectTimeoutDuration(),
		})
		return c, nil, nil

	default:
		return nil, nil, fmt.Errorf("broker: unknown source kind %q", config.Keys.Source.Kind)
	}
}

// Start launches the dispatcher worker, the context handler loop, the ack
// dispatcher (if enabled), the status HTTP surface, and the maintenance
// scheduler. Start does not block.
func (b *Broker) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}

	b.coreWG.Add(2)
	go func() {
		defer b.coreWG.Done()
		b.dispatcher.Loop()
	}()
	go func() {
		defer b.coreWG.Done()
		b.ctxHandler.Loop()
	}()

	if b.opts.EnableFilterAck {
		b.ackWG.Add(1)
		go func() {
			defer b.ackWG.Done()
			b.ackDispatcherLoop()
		}()
	}

	if b.statusAPI != nil {
		go func() {
			if err := b.statusAPI.ListenAndServe(); err != nil {
				dltlog.Debugf("broker: status api stopped: %v", err)
			}
		}()
	}

	if b.maintSched != nil {
		b.maintSched.Start()
	}

	dltlog.Lifecyclef("broker: started")
}

// ackDispatcherLoop is the optional third worker from spec.md §4.7: it
// drains the shared ack channel and resolves whichever call is currently
// waiting on that ack id.
func (b *Broker) ackDispatcherLoop() {
	for msg := range b.ack {
		b.ackWaitersMu.Lock()
		waiter, ok := b.ackWaiters[msg.AckID]
		if ok {
			delete(b.ackWaiters, msg.AckID)
		}
		b.ackWaitersMu.Unlock()
		if ok {
			waiter <- msg
			close(waiter)
		}
	}
}

// AddContext registers a new subscriber with the given filter set (nil or
// empty defaults to match-all) and returns its queue. If criterion is
// non-nil, the returned queue carries only frames the criterion matches;
// contexthandler itself remains unaware of criteria (spec.md's compare()
// capability is additive, not a replacement for apid/ctid filtering).
func (b *Broker) AddContext(filters *filterset.Set, criterion *criteria.Criterion) (dispatcher.SubscriberID, contexthandler.Queue, error) {
	ackID := ""
	var waiter chan dispatcher.AckMsg
	if b.opts.EnableFilterAck {
		ackID, waiter = b.registerAckWaiter()
	}

	id, rawQueue := b.ctxHandler.Register(filters, ackID)

	if b.opts.EnableFilterAck {
		if err := b.awaitAck(ackID, waiter, dispatcher.OpAdd); err != nil {
			return id, rawQueue, err
		}
	}

	if criterion == nil {
		return id, rawQueue, nil
	}
	return id, b.filterByCriterion(rawQueue, criterion), nil
}

// RemoveContext unregisters a subscriber previously returned by AddContext.
func (b *Broker) RemoveContext(id dispatcher.SubscriberID) error {
	ackID := ""
	var waiter chan dispatcher.AckMsg
	if b.opts.EnableFilterAck {
		ackID, waiter = b.registerAckWaiter()
	}

	b.ctxHandler.Unregister(id, ackID)

	if b.opts.EnableFilterAck {
		return b.awaitAck(ackID, waiter, dispatcher.OpRemove)
	}
	return nil
}

func (b *Broker) registerAckWaiter() (string, chan dispatcher.AckMsg) {
	id := fmt.Sprintf("ack-%d", b.nextAckID.Add(1))
	ch := make(chan dispatcher.AckMsg, 1)
	b.ackWaitersMu.Lock()
	b.ackWaiters[id] = ch
	b.ackWaitersMu.Unlock()
	return id, ch
}

func (b *Broker) awaitAck(ackID string, waiter chan dispatcher.AckMsg, want dispatcher.FilterOp) error {
	select {
	case msg, ok := <-waiter:
		if !ok || msg.Op != want {
			return fmt.Errorf("broker: ack %s resolved unexpectedly", ackID)
		}
		return nil
	case <-time.After(b.opts.AckTimeout):
		b.ackWaitersMu.Lock()
		delete(b.ackWaiters, ackID)
		b.ackWaitersMu.Unlock()
		if b.opts.IgnoreAckTimeout {
			dltlog.Warnf("broker: ack %s timed out after %s, ignoring per config", ackID, b.opts.AckTimeout)
			return nil
		}
		return ErrAckTimeout
	}
}

// filterByCriterion wraps a raw subscriber queue with a goroutine that
// decodes each frame's payload lazily (only because a criterion is
// attached) and forwards only matches to a second, same-capacity queue.
//
// This goroutine is deliberately not joined by Stop/wg: the raw queue it
// reads from is never closed by contexthandler (subscriber queues live
// until unregister, same as the Python Queue objects they're grounded on),
// so waiting on it here would block Stop forever. After RemoveContext the
// raw queue receives nothing further, but it is not closed either, so the
// goroutine stays blocked on it until the process exits.
func (b *Broker) filterByCriterion(raw contexthandler.Queue, criterion *criteria.Criterion) contexthandler.Queue {
	out := make(contexthandler.Queue, cap(raw))
	go func() {
		for frame := range raw {
			decoded := dltcodec.DecodePayload(frame)
			env := criteria.EnvFromFrame(frame, decoded)
			matched, err := criterion.Match(env)
			if err != nil {
				dltlog.Warnf("broker: criterion %q: %v", criterion.String(), err)
				continue
			}
			if matched {
				out <- frame
			}
		}
	}()
	return out
}

// Stop signals every worker to exit, in the order spec.md §4.7 describes:
// break the dispatcher's blocking source call, stop the dispatcher and
// context handler, join both, close the ack channel, then join the ack
// dispatcher.
func (b *Broker) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}

	b.dispatcher.Stop()
	b.ctxHandler.Stop()

	// Join the dispatcher before closing the ack channel: the dispatcher is
	// the only sender on it, and it may still be mid-send when Stop is
	// called.
	b.coreWG.Wait()
	close(b.ack)
	b.ackWG.Wait()

	if b.maintSched != nil {
		if err := b.maintSched.Shutdown(); err != nil {
			dltlog.Warnf("broker: maintenance shutdown: %v", err)
		}
	}
	if b.statusAPI != nil {
		if err := b.statusAPI.Close(); err != nil {
			dltlog.Warnf("broker: status api close: %v", err)
		}
	}

	if err := b.source.Close(); err != nil {
		dltlog.Warnf("broker: source close: %v", err)
	}
	if b.indexStore != nil {
		if err := b.FlushIndex(); err != nil {
			dltlog.Warnf("broker: final index flush: %v", err)
		}
		if err := b.indexStore.Close(); err != nil {
			dltlog.Warnf("broker: index store close: %v", err)
		}
	}
	if b.sinkFile != nil {
		b.sinkFile.Close()
	}
	b.natsSink.Close()

	dltlog.Lifecyclef("broker: stopped")
}

// Alive reports whether the broker has been started and not yet stopped,
// for the status HTTP surface's /healthz.
func (b *Broker) Alive() bool {
	return b.started.Load() && !b.stopped.Load()
}

// Time returns the shared time cell's current value (spec.md §4.8).
func (b *Broker) Time() float64 { return b.timeCell.Get() }

// Subscribers returns a snapshot of every registered subscriber's filter
// pairs, for the status HTTP surface's /subscribers.
func (b *Broker) Subscribers() map[dispatcher.SubscriberID][]filterset.Pair {
	return b.ctxHandler.Snapshot()
}

// CorruptFrameCount reports the dispatcher's running corrupt-frame counter
// plus, for a file source, the file reader's resync counter, satisfying
// maintenance.Broker.
func (b *Broker) CorruptFrameCount() int64 {
	n := b.dispatcher.CorruptFrameCount()
	if b.fileReader != nil {
		n += b.fileReader.CorruptFrameCount()
	}
	return n
}

// FlushIndex persists the file reader's current frame-offset index to the
// index store, satisfying maintenance.IndexFlusher. A no-op when the
// broker has no file reader or no index store configured.
func (b *Broker) FlushIndex() error {
	if b.fileReader == nil || b.indexStore == nil {
		return nil
	}
	info, err := os.Stat(b.fileReader.Path())
	if err != nil {
		return fmt.Errorf("broker: stat %s for checkpoint: %w", b.fileReader.Path(), err)
	}
	return b.indexStore.Save(b.fileReader.Path(), info.Size(), info.ModTime().Unix(), b.fileReader.Offsets())
}

// SourceHasStorageHeader reports the configured source's framing, exposed
// for callers that need to pre-size buffers the way the dispatcher does.
func (b *Broker) SourceHasStorageHeader() bool { return b.source.HasStorageHeader() }
