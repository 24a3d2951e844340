package dltcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

// minimalControlFrame is the literal byte scenario from spec.md §8.1.
func minimalControlFrame() []byte {
	return []byte{
		'D', 'L', 'T', 0x01,
		'1', 0xd9, 'P', 'Y',
		'(', '<', 0x08, 0x00,
		'M', 'G', 'H', 'S',
		'5', 0x00, 0x00, 0x20,
		'M', 'G', 'H', 'S',
		0x00, 0x00, 0x96, 0x85,
		'&', 0x01,
		'D', 'A', '1', 0x00,
		'D', 'C', '1', 0x00,
		0x02, 0x0f, 0x00, 0x00,
		0x00, 0x02, 0x00, 0x00,
		0x00, 0x00,
	}
}

func TestDecodeFrame_MinimalControlFrame(t *testing.T) {
	buf := minimalControlFrame()
	f, consumed, result := DecodeFrame(buf, true)
	require.Equal(t, ResultOK, result)
	require.Equal(t, len(buf), consumed)

	assert.Equal(t, "DA1", f.Apid())
	assert.Equal(t, "DC1", f.Ctid())
	assert.Equal(t, "MGHS", f.EcuIDTrimmed())
	assert.InDelta(t, 3.8533, f.Tmsp(), 1e-9)
	assert.InDelta(t, 1498470705.539688, f.StorageTimestamp(), 1e-6)
	assert.Equal(t, "[connection_info ok] connected", DecodePayload(f))
}

func TestDecodeFrame_HeaderDataSizeInvariant(t *testing.T) {
	buf := minimalControlFrame()
	f, _, result := DecodeFrame(buf, true)
	require.Equal(t, ResultOK, result)
	assert.Equal(t, len(buf), f.HeaderSize+f.DataSize)
}

func TestDecodeFrame_Incomplete(t *testing.T) {
	buf := minimalControlFrame()
	_, _, result := DecodeFrame(buf[:len(buf)-1], true)
	assert.Equal(t, ResultIncomplete, result)
}

func TestDecodeFrame_CorruptSyncMismatch(t *testing.T) {
	buf := minimalControlFrame()
	buf[0] = 'X'
	_, _, result := DecodeFrame(buf, true)
	assert.Equal(t, ResultCorrupt, result)
}

func TestExtractSortData_MatchesDecodedFrame(t *testing.T) {
	buf := minimalControlFrame()
	f, _, result := DecodeFrame(buf, true)
	require.Equal(t, ResultOK, result)

	tmsp, total, apid, ctid, ok := ExtractSortData(buf)
	require.True(t, ok)
	assert.InDelta(t, f.Tmsp(), tmsp, 1e-9)
	assert.Equal(t, len(buf), total)
	assert.Equal(t, f.Apid(), apid)
	assert.Equal(t, f.Ctid(), ctid)
}

func TestEncode_RoundTrip(t *testing.T) {
	buf := minimalControlFrame()
	f, consumed, result := DecodeFrame(buf, true)
	require.Equal(t, ResultOK, result)
	require.Equal(t, len(buf), consumed)

	encoded := Encode(f)
	assert.Equal(t, buf, encoded)
}

func TestDecodePayload_VerboseString(t *testing.T) {
	// Build: ext.header apid="MON", ctid="CPUS", noar=1, one verbose UTF-8
	// string argument "4 online cores\n" (spec.md §8 scenario 2).
	str := "4 online cores\n\x00"
	var payload []byte
	typeInfo := []byte{0x00, 0x02, 0x00, 0x00} // STRG bit (0x200) little-endian
	lengthPrefix := []byte{byte(len(str)), byte(len(str) >> 8)}
	payload = append(payload, typeInfo...)
	payload = append(payload, lengthPrefix...)
	payload = append(payload, []byte(str)...)

	f := &dlttypes.Frame{
		HasExtended: true,
		Extended: dlttypes.ExtendedHeader{
			Msin: dlttypes.MsinVERB, // verbose, message type log
			Noar: 1,
			Apid: "MON",
			Ctid: "CPUS",
		},
		Payload: payload,
	}
	got := DecodePayload(f)
	assert.Equal(t, "4 online cores", got)
}
