// Package dispatcher implements C5: the single source-agnostic loop that
// pulls frames from a Source, applies the reverse filter index, and
// delivers matching frames to the context handler's messages channel.
//
// Grounded on dlt_broker_handlers.py's DLTMessageDispatcherBase /
// DLTFileSpinner / DLTMessageHandler: the dispatcher is the sole owner of
// the source handle and the (apid, ctid) -> subscriber-id reverse index.
package dispatcher

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/dlt-tools/dltbroker/internal/dltcodec"
	"github.com/dlt-tools/dltbroker/internal/dltlog"
	"github.com/dlt-tools/dltbroker/internal/dltmetrics"
	"github.com/dlt-tools/dltbroker/internal/filterset"
	"github.com/dlt-tools/dltbroker/internal/timecell"
	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

// PollStatus classifies the outcome of Source.Poll.
type PollStatus int

const (
	PollData PollStatus = iota
	PollEOF             // batch file source exhausted
	PollClosed          // socket source observed a clean remote close
)

// Source is the capability the dispatcher pulls raw bytes from. Both
// internal/filereader.Reader and internal/socketsource.Client satisfy this
// interface structurally.
type Source interface {
	// Poll blocks until more bytes are available (or the source reaches
	// EOF/Closed) and returns them. For a file source in live mode, Poll
	// may block briefly between stat polls; for a socket source it blocks
	// in recv.
	Poll() ([]byte, PollStatus, error)
	// HasStorageHeader reports whether frames from this source are
	// prefixed with a storage header (true for files, false for live
	// sockets).
	HasStorageHeader() bool
	// IsSocket distinguishes the two sources' differing corrupt-frame and
	// empty-id policies (spec.md §4.5 step 3, §9 design notes).
	IsSocket() bool
	// BreakBlockingMainLoop unblocks a suspended Poll call, used by
	// cooperative stop.
	BreakBlockingMainLoop()
	Close() error
}

// SubscriberID identifies a registered subscriber's queue.
type SubscriberID uint64

// FilterOp distinguishes a subscribe from an unsubscribe control message.
type FilterOp int

const (
	OpAdd FilterOp = iota
	OpRemove
)

// FilterControlMsg is sent by the context handler to the dispatcher over
// the filter control channel (spec.md §4.5 step 1, §4.6).
type FilterControlMsg struct {
	SubscriberID SubscriberID
	Filters      *filterset.Set
	Op           FilterOp
	AckID        string // empty means no ack requested
}

// Delivery is a single matched frame destined for one subscriber.
type Delivery struct {
	SubscriberID SubscriberID
	Frame        *dlttypes.Frame
	Raw          []byte
}

// AckMsg reports that a FilterControlMsg with a non-empty AckID was
// applied.
type AckMsg struct {
	AckID string
	Op    FilterOp
}

const maxSocketCorruptFrames = 100

// Dispatcher runs the C5 loop. Construct with New, then run Loop in its own
// goroutine.
type Dispatcher struct {
	source Source

	filterControl <-chan FilterControlMsg
	messages      chan<- Delivery
	ack           chan<- AckMsg

	timeCell  *timecell.Cell
	sinkFile  *os.File // optional raw-frame append sink (§4.7)
	sinkMu    sync.Mutex

	reverse map[filterset.Pair][]SubscriberID

	stopFlag atomic.Bool
	pending  []byte

	socketCorruptCount int
	fileCorruptCount   atomic.Int64
}

// Config bundles the channels and optional sink the dispatcher wires to
// the rest of the broker.
type Config struct {
	Source        Source
	FilterControl <-chan FilterControlMsg
	Messages      chan<- Delivery
	Ack           chan<- AckMsg
	TimeCell      *timecell.Cell
	SinkFile      *os.File
}

func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		source:        cfg.Source,
		filterControl: cfg.FilterControl,
		messages:      cfg.Messages,
		ack:           cfg.Ack,
		timeCell:      cfg.TimeCell,
		sinkFile:      cfg.SinkFile,
		reverse:       make(map[filterset.Pair][]SubscriberID),
	}
}

// Stop requests the loop to exit at the next opportunity and unblocks a
// suspended Poll.
func (d *Dispatcher) Stop() {
	d.stopFlag.Store(true)
	d.source.BreakBlockingMainLoop()
}

// CorruptFrameCount reports the running corrupt-frame counter (file
// sources), for diagnostics/tests.
func (d *Dispatcher) CorruptFrameCount() int64 {
	return d.fileCorruptCount.Load()
}

// Loop runs the dispatcher until Stop is called. Intended to run in its own
// goroutine.
func (d *Dispatcher) Loop() {
	for {
		d.drainFilterControl()

		if d.stopFlag.Load() {
			return
		}

		if !d.pullAndDispatchOne() {
			if d.stopFlag.Load() {
				return
			}
		}

		if d.stopFlag.Load() {
			return
		}
	}
}

// drainFilterControl applies every pending subscribe/unsubscribe before any
// new frame is pulled (spec.md §5: filter control messages take
// precedence).
func (d *Dispatcher) drainFilterControl() {
	for {
		select {
		case msg, ok := <-d.filterControl:
			if !ok {
				return
			}
			d.applyFilterControl(msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) applyFilterControl(msg FilterControlMsg) {
	for _, pair := range msg.Filters.Iter() {
		switch msg.Op {
		case OpAdd:
			d.reverse[pair] = appendUnique(d.reverse[pair], msg.SubscriberID)
		case OpRemove:
			d.reverse[pair] = removeID(d.reverse[pair], msg.SubscriberID)
		}
	}
	if msg.AckID != "" {
		d.ack <- AckMsg{AckID: msg.AckID, Op: msg.Op}
	}
}

func appendUnique(ids []SubscriberID, id SubscriberID) []SubscriberID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []SubscriberID, id SubscriberID) []SubscriberID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// pullAndDispatchOne pulls bytes from the source, attempts to decode one
// frame from the accumulated buffer, and dispatches it. Returns false when
// nothing was dispatched this iteration (Incomplete, Closed/EOF, or a
// recoverable Corrupt) so the caller can re-check the stop flag promptly.
func (d *Dispatcher) pullAndDispatchOne() bool {
	data, status, err := d.source.Poll()
	if err != nil {
		dltlog.Errorf("dispatcher: poll error: %v", err)
	}
	if len(data) > 0 {
		d.pending = append(d.pending, data...)
	}

	switch status {
	case PollClosed:
		dltlog.Reconnectf("dispatcher: source closed, awaiting reconnect")
		return false
	case PollEOF:
		return false
	}

	if len(d.pending) == 0 {
		return false
	}

	frame, consumed, result := dltcodec.DecodeFrame(d.pending, d.source.HasStorageHeader())
	switch result {
	case dltcodec.ResultIncomplete:
		return false
	case dltcodec.ResultCorrupt:
		d.handleCorrupt()
		return false
	}

	raw := d.pending[:consumed]
	d.pending = d.pending[consumed:]

	if d.source.IsSocket() && frame.Apid() == "" && frame.Ctid() == "" {
		// Empty apid/ctid from a socket indicates a partial read, not a
		// valid message; files may legitimately carry empty ids (§9).
		return false
	}

	d.writeSink(raw)
	d.deliver(frame, raw)

	if d.timeCell != nil {
		d.timeCell.Publish(frame.StorageTimestamp())
		dltmetrics.TimeCellSeconds.Set(frame.StorageTimestamp())
	}

	return true
}

func (d *Dispatcher) handleCorrupt() {
	// Drop exactly one byte and let the next iteration re-attempt framing;
	// the file reader's own index()/find_next_header scan already resyncs
	// in bulk when tailing, this is the dispatcher-level defensive path
	// spec.md §4.5 step 2 calls for on top of that.
	if len(d.pending) > 0 {
		d.pending = d.pending[1:]
	}

	if d.source.IsSocket() {
		d.socketCorruptCount++
		dltmetrics.CorruptFrames.Inc()
		if d.socketCorruptCount >= maxSocketCorruptFrames {
			dltlog.Reconnectf("dispatcher: %d malformed frames, dropping connection", d.socketCorruptCount)
			d.socketCorruptCount = 0
			_ = d.source.Close()
		}
		return
	}

	d.fileCorruptCount.Add(1)
	dltmetrics.CorruptFrames.Inc()
}

func (d *Dispatcher) deliver(frame *dlttypes.Frame, raw []byte) {
	apid, ctid := frame.Apid(), frame.Ctid()
	seen := make(map[SubscriberID]struct{})
	for _, pair := range []filterset.Pair{
		{Apid: apid, Ctid: ctid},
		{Apid: "", Ctid: ""},
		{Apid: apid, Ctid: ""},
		{Apid: "", Ctid: ctid},
	} {
		for _, id := range d.reverse[pair] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			d.messages <- Delivery{SubscriberID: id, Frame: frame, Raw: raw}
		}
	}
	if len(seen) > 0 {
		dltmetrics.MessagesDispatched.Inc()
	}
}

func (d *Dispatcher) writeSink(raw []byte) {
	if d.sinkFile == nil {
		return
	}
	d.sinkMu.Lock()
	defer d.sinkMu.Unlock()
	if _, err := d.sinkFile.Write(raw); err != nil {
		dltlog.Errorf("dispatcher: sink file write failed: %v", err)
	}
}
