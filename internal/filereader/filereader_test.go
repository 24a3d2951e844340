package filereader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dlt-tools/dltbroker/internal/dltcodec"
	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

func minimalFrame(apid, ctid string, mcnt byte) []byte {
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
			Msin: 0,
			Noar: 0,
			Apid: apid,
			Ctid: ctid,
		},
		Payload: payload,
	}
	return dltcodec.Encode(f)
}

func writeFile(t *testing.T, dir string, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestIndex_ThreeValidFrames(t *testing.T) {
	dir := t.TempDir()
	var data []byte
	data = append(data, minimalFrame("AP1", "CT1", 0)...)
	data = append(data, minimalFrame("AP1", "CT1", 1)...)
	data = append(data, minimalFrame("AP1", "CT1", 2)...)
	path := writeFile(t, dir, "log.dlt", data)

	r, err := Open(path, ModeBatch)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Index())
	require.Len(t, r.index, 3)

	f0, err := r.Get(0)
	require.NoError(t, err)
	require.Equal(t, "AP1", f0.Apid())

	f2, err := r.Get(2)
	require.NoError(t, err)
	require.Equal(t, byte(2), f2.Standard.Mcnt)
}

func TestIndex_CorruptPrefixRecovered(t *testing.T) {
	dir := t.TempDir()
	garbage := make([]byte, 32)
	for i := range garbage {
		garbage[i] = byte(i*7 + 3)
	}
	var data []byte
	data = append(data, garbage...)
	data = append(data, minimalFrame("AP1", "CT1", 0)...)
	data = append(data, minimalFrame("AP1", "CT1", 1)...)
	data = append(data, minimalFrame("AP1", "CT1", 2)...)
	path := writeFile(t, dir, "corrupt.dlt", data)

	r, err := Open(path, ModeBatch)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Index())
	require.Len(t, r.index, 3)
	require.GreaterOrEqual(t, r.CorruptFrameCount(), int64(1))
}

func TestOpen_NonExistentFileFailsImmediatelyInBatchMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.dlt")

	_, err := Open(path, ModeBatch)
	require.Error(t, err)
}

func TestIter_LiveTailingSeesFramesWrittenLater(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tail.dlt", minimalFrame("AP1", "CT1", 0))

	r, err := Open(path, ModeLive)
	require.NoError(t, err)
	r.pollInterval = 10 * time.Millisecond
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	done := make(chan struct{})
	go func() {
		_ = r.Iter(ctx, func(f *dlttypes.Frame, raw []byte) bool {
			got = append(got, f.Apid())
			if len(got) == 3 {
				r.Stop()
				return false
			}
			return true
		})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(minimalFrame("AP2", "CT2", 1))
	require.NoError(t, err)
	_, err = f.Write(minimalFrame("AP3", "CT3", 2))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Iter did not observe the appended frames in time")
	}

	require.Equal(t, []string{"AP1", "AP2", "AP3"}, got)
}
