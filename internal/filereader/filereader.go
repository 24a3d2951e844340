// Package filereader implements C3: indexing and tailing a DLT file,
// skipping corrupt frames by scanning forward to the next storage-header
// sync pattern. Grounded on dlt.py's cDLTFile (_find_next_header,
// generate_index, read, __iter__, _log_message_progress).
package filereader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dlt-tools/dltbroker/internal/dispatcher"
	"github.com/dlt-tools/dltbroker/internal/dltcodec"
	"github.com/dlt-tools/dltbroker/internal/dltlog"
	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

// Mode selects batch (read-once, fail on truncation) vs live (tail until
// stopped) behavior.
type Mode int

const (
	ModeBatch Mode = iota
	ModeLive
)

const (
	scanChunkSize  = 1024
	readChunkSize  = 64 * 1024
	progressEvery  = 100000

	// defaultFileOpenRetries / fileOpenRetryDelay recover the non-existent-
	// file and empty-file retry counts the distilled spec leaves
	// unquantified; original_source fixes both at 5 attempts, 1s apart
	// (SPEC_FULL.md supplement 4).
	defaultFileOpenRetries = 5
	fileOpenRetryDelay     = 1 * time.Second

	defaultPollInterval = 100 * time.Millisecond
)

// ErrEmptyFile is returned when a batch-mode open finds a zero-length file,
// or a live-mode open still finds one after exhausting retries.
var ErrEmptyFile = errors.New("filereader: file is empty")

// Reader indexes and tails a single DLT file.
type Reader struct {
	path string
	f    *os.File
	mode Mode

	index             []int64
	corruptFrameCount atomic.Int64
	messagesSeen      int64
	stopFlag          atomic.Bool

	buf     []byte
	pos     int64 // file offset corresponding to buf[0] / the next frame start
	readPos int64 // next file offset to read from when refilling buf

	pollInterval time.Duration
}

// Open opens path read-only. In live mode, a non-existent or empty file is
// retried up to defaultFileOpenRetries times before failing; in batch mode
// either condition fails immediately.
func Open(path string, mode Mode) (*Reader, error) {
	attempts := 1
	if mode == ModeLive {
		attempts = defaultFileOpenRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(fileOpenRetryDelay)
		}

		f, err := os.Open(path)
		if err != nil {
			lastErr = err
			if mode == ModeLive && os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("filereader: open %s: %w", path, err)
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("filereader: stat %s: %w", path, err)
		}
		if info.Size() == 0 {
			f.Close()
			if mode != ModeLive {
				return nil, fmt.Errorf("filereader: open %s: %w", path, ErrEmptyFile)
			}
			lastErr = ErrEmptyFile
			continue
		}

		return &Reader{path: path, f: f, mode: mode, pollInterval: defaultPollInterval}, nil
	}

	return nil, fmt.Errorf("filereader: open %s failed after %d attempts: %w", path, attempts, lastErr)
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// CorruptFrameCount reports the running corrupt-frame counter.
func (r *Reader) CorruptFrameCount() int64 { return r.corruptFrameCount.Load() }

// Path returns the path this reader was opened with.
func (r *Reader) Path() string { return r.path }

// Offsets returns a copy of the frame start offsets accumulated so far by
// Index/Iter/Poll, for internal/indexstore's restart checkpoint.
func (r *Reader) Offsets() []int64 {
	out := make([]int64, len(r.index))
	copy(out, r.index)
	return out
}

// Index scans the file forward from the reader's current position (the
// start of the file on a fresh Reader), accumulating the offsets of every
// frame it can validate, and stops at the current end of file (it does not
// tail). Get requires a prior call to Index.
func (r *Reader) Index() error {
	for {
		frame, raw, ok := r.next()
		if ok {
			_ = frame
			_ = raw
			continue
		}
		return nil
	}
}

// Get returns a copy of the i-th indexed frame, independent of the
// reader's internal buffer. Requires a prior Index call.
func (r *Reader) Get(i int) (*dlttypes.Frame, error) {
	if i < 0 || i >= len(r.index) {
		return nil, fmt.Errorf("filereader: index %d out of range (%d indexed)", i, len(r.index))
	}
	offset := r.index[i]

	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.f.ReadAt(chunk, offset+int64(len(buf)))
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		frame, _, result := dltcodec.DecodeFrame(buf, true)
		switch result {
		case dltcodec.ResultOK:
			return cloneFrame(frame), nil
		case dltcodec.ResultCorrupt:
			return nil, fmt.Errorf("filereader: indexed offset %d no longer decodes", offset)
		}
		if err != nil {
			return nil, fmt.Errorf("filereader: incomplete frame at indexed offset %d", offset)
		}
	}
}

func cloneFrame(f *dlttypes.Frame) *dlttypes.Frame {
	clone := *f
	clone.Payload = append([]byte(nil), f.Payload...)
	return &clone
}

// Iter yields messages in file order via yield, returning false from yield
// to stop early. In live mode it sleeps between polls and keeps tailing
// until ctx is cancelled or Stop is called; in batch mode it returns once
// the file is exhausted.
func (r *Reader) Iter(ctx context.Context, yield func(*dlttypes.Frame, []byte) bool) error {
	for {
		if r.stopFlag.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, raw, ok := r.next()
		if ok {
			r.messagesSeen++
			r.maybeLogProgress()
			if !yield(frame, raw) {
				return nil
			}
			continue
		}

		if r.mode == ModeBatch {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// Stop requests Iter/Poll to terminate at the next opportunity.
func (r *Reader) Stop() { r.stopFlag.Store(true) }

func (r *Reader) maybeLogProgress() {
	if r.messagesSeen%progressEvery == 0 {
		dltlog.Debugf("filereader: %s: %d messages processed", r.path, r.messagesSeen)
	}
}

// next attempts to decode exactly one frame from the buffered window,
// refilling from the file and resyncing past corruption as needed. Returns
// ok=false when nothing is available right now (caller should wait/retry
// in live mode, or treat it as EOF in batch mode).
func (r *Reader) next() (*dlttypes.Frame, []byte, bool) {
	for {
		if len(r.buf) > 0 {
			frame, consumed, result := dltcodec.DecodeFrame(r.buf, true)
			switch result {
			case dltcodec.ResultOK:
				start := r.pos
				raw := r.buf[:consumed]
				r.buf = r.buf[consumed:]
				r.pos += int64(consumed)
				r.index = append(r.index, start)
				return frame, raw, true

			case dltcodec.ResultCorrupt:
				nextPos, found := r.findNextHeader(r.pos)
				if !found || nextPos == r.pos {
					// No resync point reachable right now, or the prior
					// decode error was not a lost sync — advancing is
					// impossible (spec.md §4.3).
					return nil, nil, false
				}
				r.corruptFrameCount.Add(1)
				r.pos = nextPos
				r.readPos = nextPos
				r.buf = nil
				continue

			case dltcodec.ResultIncomplete:
				// fall through to refill
			}
		}

		chunk := make([]byte, readChunkSize)
		n, err := r.f.ReadAt(chunk, r.readPos)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			r.readPos += int64(n)
			continue
		}
		if err != nil && len(r.buf) > 0 && r.mode == ModeBatch {
			dltlog.Warnf("filereader: %s: incomplete trailing frame (%d bytes) at EOF", r.path, len(r.buf))
		}
		return nil, nil, false
	}
}

// findNextHeader scans forward from file offset `from` in 1KiB chunks for
// the sync pattern, with enough overlap between chunks to catch a pattern
// split across a chunk boundary.
func (r *Reader) findNextHeader(from int64) (int64, bool) {
	chunk := make([]byte, scanChunkSize)
	pos := from
	for {
		n, err := r.f.ReadAt(chunk, pos)
		if n > 0 {
			if idx := bytes.Index(chunk[:n], dlttypes.SyncPattern[:]); idx >= 0 {
				return pos + int64(idx), true
			}
		}
		if err != nil || n < len(chunk) {
			return 0, false
		}
		pos += int64(n) - int64(len(dlttypes.SyncPattern)-1)
	}
}

// --- dispatcher.Source adapter ---

// Poll satisfies dispatcher.Source: it hands the dispatcher one already
// resynced frame's raw bytes at a time (file-side corruption recovery is
// done here in C3, before the bytes reach the dispatcher).
func (r *Reader) Poll() ([]byte, dispatcher.PollStatus, error) {
	if r.stopFlag.Load() {
		return nil, dispatcher.PollClosed, nil
	}

	_, raw, ok := r.next()
	if ok {
		r.messagesSeen++
		r.maybeLogProgress()
		return raw, dispatcher.PollData, nil
	}

	if r.mode == ModeBatch {
		return nil, dispatcher.PollEOF, nil
	}

	time.Sleep(r.pollInterval)
	return nil, dispatcher.PollData, nil
}

func (r *Reader) HasStorageHeader() bool   { return true }
func (r *Reader) IsSocket() bool           { return false }
func (r *Reader) BreakBlockingMainLoop()   { r.stopFlag.Store(true) }
