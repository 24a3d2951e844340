package broker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dlt-tools/dltbroker/internal/dltcodec"
	"github.com/dlt-tools/dltbroker/internal/filereader"
	"github.com/dlt-tools/dltbroker/internal/filterset"
	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

func frame(apid, ctid string, mcnt byte) []byte {
	payload := []byte{0x00, 0x00, 0x00, 0x00}
	f := &dlttypes.Frame{
		HasStorageHeader: true,
		Storage: dlttypes.StorageHeader{
			Seconds:      1498470705,
			Microseconds: 539688,
			EcuID:        "MGHS",
		},
		Standard: dlttypes.StandardHeader{
			Htyp: dlttypes.HtypUEH | dlttypes.HtypWEID,
			Mcnt: mcnt,
			Len:  uint16(4 + 4 + dlttypes.ExtendedHeaderSize + len(payload)),
		},
		EcuID:       "MGHS",
		HasExtended: true,
		Extended: dlttypes.ExtendedHeader{
			Apid: apid,
			Ctid: ctid,
		},
		Payload: payload,
	}
	return dltcodec.Encode(f)
}

func writeFrames(t *testing.T, frames ...[]byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.dlt")
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f...)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

// drain reads up to want frames from q within timeout, returning however
// many arrived (which may be fewer than want if the deadline trips first).
func drain(q <-chan *dlttypes.Frame, want int, timeout time.Duration) int {
	deadline := time.After(timeout)
	n := 0
	for n < want {
		select {
		case <-q:
			n++
		case <-deadline:
			return n
		}
	}
	return n
}

func TestBroker_FanOut(t *testing.T) {
	var frames [][]byte
	for i := 0; i < 10; i++ {
		frames = append(frames, frame("SYS", "JOUR", byte(i)))
	}
	for i := 0; i < 10; i++ {
		frames = append(frames, frame("DA1", "DC1", byte(i)))
	}
	path := writeFrames(t, frames...)

	r, err := filereader.Open(path, filereader.ModeBatch)
	require.NoError(t, err)

	b := New(r, r, nil, nil, nil, Options{})

	sysFilters := filterset.New()
	sysFilters.Add("SYS", "JOUR")
	da1Filters := filterset.New()
	da1Filters.Add("DA1", "DC1")

	_, s1, err := b.AddContext(sysFilters, nil)
	require.NoError(t, err)
	_, s2, err := b.AddContext(da1Filters, nil)
	require.NoError(t, err)
	_, s3, err := b.AddContext(nil, nil) // match-all default
	require.NoError(t, err)

	b.Start()
	defer b.Stop()

	require.Equal(t, 10, drain(s1, 10, 2*time.Second))
	require.Equal(t, 10, drain(s2, 10, 2*time.Second))
	require.Equal(t, 20, drain(s3, 20, 2*time.Second))

	require.Equal(t, 0, drain(s1, 1, 100*time.Millisecond))
	require.Equal(t, 0, drain(s2, 1, 100*time.Millisecond))
}

func TestBroker_CorruptFrameCountReported(t *testing.T) {
	garbage := make([]byte, 32)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	path := writeFrames(t, garbage, frame("AP1", "CT1", 0), frame("AP1", "CT1", 1))

	r, err := filereader.Open(path, filereader.ModeBatch)
	require.NoError(t, err)

	b := New(r, r, nil, nil, nil, Options{})
	_, q, err := b.AddContext(nil, nil)
	require.NoError(t, err)

	b.Start()
	defer b.Stop()

	require.Equal(t, 2, drain(q, 2, 2*time.Second))
	require.GreaterOrEqual(t, b.CorruptFrameCount(), int64(1))
}

func TestBroker_AckTimeout_RaisesByDefault(t *testing.T) {
	path := writeFrames(t, frame("AP1", "CT1", 0))
	r, err := filereader.Open(path, filereader.ModeBatch)
	require.NoError(t, err)

	// Deliberately not Started: nothing drains the filter control channel,
	// so the dispatcher never produces the ack AddContext waits on.
	b := New(r, r, nil, nil, nil, Options{
		EnableFilterAck: true,
		AckTimeout:      10 * time.Millisecond,
	})

	_, _, err = b.AddContext(nil, nil)
	require.ErrorIs(t, err, ErrAckTimeout)
}

func TestBroker_AckTimeout_IgnoredWhenConfigured(t *testing.T) {
	path := writeFrames(t, frame("AP1", "CT1", 0))
	r, err := filereader.Open(path, filereader.ModeBatch)
	require.NoError(t, err)

	b := New(r, r, nil, nil, nil, Options{
		EnableFilterAck:  true,
		AckTimeout:       10 * time.Millisecond,
		IgnoreAckTimeout: true,
	})

	_, _, err = b.AddContext(nil, nil)
	require.NoError(t, err)
}

func TestBroker_AckSucceedsOnceStarted(t *testing.T) {
	path := writeFrames(t, frame("AP1", "CT1", 0))
	r, err := filereader.Open(path, filereader.ModeBatch)
	require.NoError(t, err)

	b := New(r, r, nil, nil, nil, Options{
		EnableFilterAck: true,
		AckTimeout:      time.Second,
	})
	b.Start()
	defer b.Stop()

	_, _, err = b.AddContext(nil, nil)
	require.NoError(t, err)
}
