// Package dltcodec implements the AUTOSAR DLT wire codec: parsing storage,
// standard, extra and extended headers, decoding verbose and non-verbose
// payloads into readable text, and the reverse encode path.
package dltcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

// trimID strips the trailing NUL padding padID (see Encode) writes onto any
// apid/ctid shorter than 4 characters, matching python-dlt's
// apid/ctid/extract_sort_data convention of returning NUL-stripped ids so
// that filter and dispatch comparisons operate on the same representation
// a caller would have registered a filter with.
func trimID(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// Result classifies the outcome of DecodeFrame.
type Result int

const (
	ResultOK Result = iota
	ResultIncomplete
	ResultCorrupt
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultIncomplete:
		return "incomplete"
	case ResultCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// DecodeFrame parses one frame from the front of buf. If expectStorageHeader
// is true the first four bytes must be the DLT\x01 sync pattern.
//
// Returns the decoded frame and the number of bytes consumed on ResultOK.
// On ResultIncomplete the caller must retain buf (more bytes are needed).
// On ResultCorrupt the caller should scan forward to the next sync pattern.
func DecodeFrame(buf []byte, expectStorageHeader bool) (*dlttypes.Frame, int, Result) {
	f := &dlttypes.Frame{}
	pos := 0

	if expectStorageHeader {
		if len(buf) < dlttypes.StorageHeaderSize {
			return nil, 0, ResultIncomplete
		}
		if !bytes.Equal(buf[0:4], dlttypes.SyncPattern[:]) {
			return nil, 0, ResultCorrupt
		}
		f.HasStorageHeader = true
		f.Storage.Seconds = binary.LittleEndian.Uint32(buf[4:8])
		f.Storage.Microseconds = int32(binary.LittleEndian.Uint32(buf[8:12]))
		f.Storage.EcuID = string(buf[12:16])
		pos = dlttypes.StorageHeaderSize
	}

	stdHeaderStart := pos
	if len(buf) < pos+4 {
		return nil, 0, ResultIncomplete
	}
	htyp := buf[pos]
	mcnt := buf[pos+1]
	length := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
	f.Standard = dlttypes.StandardHeader{Htyp: htyp, Mcnt: mcnt, Len: length}
	pos += 4

	totalFrameSize := stdHeaderStart + int(length)
	if len(buf) < totalFrameSize {
		return nil, 0, ResultIncomplete
	}
	if totalFrameSize < pos {
		return nil, 0, ResultCorrupt
	}

	if f.Standard.HasEcuID() {
		if pos+4 > totalFrameSize {
			return nil, 0, ResultCorrupt
		}
		f.EcuID = string(buf[pos : pos+4])
		pos += 4
	}
	if f.Standard.HasSessionID() {
		if pos+4 > totalFrameSize {
			return nil, 0, ResultCorrupt
		}
		f.SessionID = binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
	}
	if f.Standard.HasTimestamp() {
		if pos+4 > totalFrameSize {
			return nil, 0, ResultCorrupt
		}
		f.TimestampTenths = binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
	}
	if f.Standard.UseExtendedHeader() {
		if pos+dlttypes.ExtendedHeaderSize > totalFrameSize {
			return nil, 0, ResultCorrupt
		}
		f.HasExtended = true
		f.Extended.Msin = buf[pos]
		f.Extended.Noar = buf[pos+1]
		f.Extended.Apid = trimID(buf[pos+2 : pos+6])
		f.Extended.Ctid = trimID(buf[pos+6 : pos+10])
		pos += dlttypes.ExtendedHeaderSize
	}

	f.HeaderSize = pos
	f.DataSize = totalFrameSize - pos
	f.Payload = buf[pos:totalFrameSize]

	return f, totalFrameSize, ResultOK
}

// ExtractSortData is the fast path described in spec.md §4.1: it reads only
// the fields needed to order and coarse-filter a frame without building a
// full Frame. buf must start at the storage header (expectStorageHeader is
// implicit — this is only ever used against archived/file data).
func ExtractSortData(buf []byte) (timestampSeconds float64, totalLength int, apid, ctid string, ok bool) {
	if len(buf) < dlttypes.StorageHeaderSize+4 {
		return 0, 0, "", "", false
	}
	if !bytes.Equal(buf[0:4], dlttypes.SyncPattern[:]) {
		return 0, 0, "", "", false
	}
	seconds := binary.LittleEndian.Uint32(buf[4:8])
	micros := int32(binary.LittleEndian.Uint32(buf[8:12]))

	pos := dlttypes.StorageHeaderSize
	htyp := buf[pos]
	length := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
	pos += 4

	offset := 0
	if htyp&dlttypes.HtypWEID != 0 {
		offset += 4
	}
	if htyp&dlttypes.HtypWSID != 0 {
		offset += 4
	}

	total := dlttypes.StorageHeaderSize + int(length)
	if len(buf) < total {
		return 0, 0, "", "", false
	}

	var tmsp uint32
	cur := pos + offset
	if htyp&dlttypes.HtypWTMS != 0 {
		if cur+4 > total {
			return 0, 0, "", "", false
		}
		tmsp = binary.BigEndian.Uint32(buf[cur : cur+4])
		cur += 4
	}

	if htyp&dlttypes.HtypUEH != 0 {
		if cur+dlttypes.ExtendedHeaderSize > total {
			return 0, 0, "", "", false
		}
		apid = trimID(buf[cur+2 : cur+6])
		ctid = trimID(buf[cur+6 : cur+10])
	}

	_, _ = seconds, micros // retained for symmetry with DecodeFrame's storage-header read; unused by the sort key itself
	return float64(tmsp) / 10000.0, total, apid, ctid, true
}

// Encode emits a frame in the exact wire layout DecodeFrame parses: big
// endian headers, little endian storage-header fields, payload bytes
// passed through unmodified (verbose argument encoding is the caller's
// responsibility — the payload is carried as an opaque buffer, matching
// the codec's "zero-copy" contract).
func Encode(f *dlttypes.Frame) []byte {
	var buf bytes.Buffer

	if f.HasStorageHeader {
		buf.Write(dlttypes.SyncPattern[:])
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], f.Storage.Seconds)
		buf.Write(tmp[:])
		binary.LittleEndian.PutUint32(tmp[:], uint32(f.Storage.Microseconds))
		buf.Write(tmp[:])
		buf.WriteString(padID(f.Storage.EcuID))
	}

	buf.WriteByte(f.Standard.Htyp)
	buf.WriteByte(f.Standard.Mcnt)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], f.Standard.Len)
	buf.Write(lenBuf[:])

	if f.Standard.HasEcuID() {
		buf.WriteString(padID(f.EcuID))
	}
	if f.Standard.HasSessionID() {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], f.SessionID)
		buf.Write(tmp[:])
	}
	if f.Standard.HasTimestamp() {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], f.TimestampTenths)
		buf.Write(tmp[:])
	}
	if f.Standard.UseExtendedHeader() {
		buf.WriteByte(f.Extended.Msin)
		buf.WriteByte(f.Extended.Noar)
		buf.WriteString(padID(f.Extended.Apid))
		buf.WriteString(padID(f.Extended.Ctid))
	}

	buf.Write(f.Payload)
	return buf.Bytes()
}

func padID(s string) string {
	if len(s) >= 4 {
		return s[:4]
	}
	return s + strings.Repeat("\x00", 4-len(s))
}

// serviceNames maps a subset of control service ids to their names, used
// when rendering control responses (spec.md §6).
var serviceNames = map[uint32]string{
	dlttypes.ServiceIDGetSoftwareVersion: "get_software_version",
	dlttypes.ServiceIDUnregisterContext:  "unregister_context",
	dlttypes.ServiceIDConnectionInfo:     "connection_info",
	dlttypes.ServiceIDTimezone:           "timezone",
	dlttypes.ServiceIDMarker:             "marker",
}

// returnNames maps the control response status byte to its name.
var returnNames = map[byte]string{
	0: "ok",
	1: "not_ok",
	2: "not_supported",
	3: "error",
}

// DecodePayload renders a frame's payload as text, per spec.md §4.1.
func DecodePayload(f *dlttypes.Frame) string {
	if !f.HasExtended {
		return decodeNonVerboseUnknown(f.Payload)
	}
	if f.Extended.IsControl() && f.Extended.Subtype() == dlttypes.ControlResponse {
		return decodeControlResponse(f.Payload)
	}
	if f.Extended.Verbose() {
		return decodeVerbose(f.Payload, int(f.Extended.Noar))
	}
	return decodeNonVerboseUnknown(f.Payload)
}

func decodeControlResponse(payload []byte) string {
	if len(payload) < 5 {
		return "[malformed control response]"
	}
	serviceID := binary.LittleEndian.Uint32(payload[0:4])
	status := payload[4]
	name := serviceNames[serviceID]
	if name == "" {
		name = fmt.Sprintf("service_0x%x", serviceID)
	}
	retName := returnNames[status]
	if retName == "" {
		retName = fmt.Sprintf("0x%x", status)
	}

	var tail string
	switch serviceID {
	case dlttypes.ServiceIDConnectionInfo:
		if len(payload) >= 6 {
			switch payload[5] {
			case dlttypes.ConnectionStateConnected:
				tail = "connected"
			case dlttypes.ConnectionStateDisconnected:
				tail = "disconnected"
			default:
				tail = fmt.Sprintf("unknown_state_0x%x", payload[5])
			}
		}
	case dlttypes.ServiceIDGetSoftwareVersion:
		if len(payload) > 9 {
			tail = strings.TrimRight(string(payload[9:]), "\x00")
		}
	case dlttypes.ServiceIDTimezone, dlttypes.ServiceIDMarker:
		if len(payload) > 5 {
			tail = fmt.Sprintf("%x", payload[5:])
		}
	default:
		if len(payload) > 5 {
			tail = fmt.Sprintf("%x", payload[5:])
		}
	}

	if tail == "" {
		return fmt.Sprintf("[%s %s]", name, retName)
	}
	return fmt.Sprintf("[%s %s] %s", name, retName, tail)
}

func decodeNonVerboseUnknown(payload []byte) string {
	if len(payload) < 4 {
		return fmt.Sprintf("[unknown] #%x#", payload)
	}
	msgID := binary.LittleEndian.Uint32(payload[0:4])
	return fmt.Sprintf("[%d] #%x#", msgID, payload[4:])
}

func decodeVerbose(payload []byte, noar int) string {
	args := make([]string, 0, noar)
	pos := 0
	for i := 0; i < noar; i++ {
		arg, n, err := decodeArgument(payload[pos:])
		if err != nil {
			args = append(args, "ERROR")
			break
		}
		args = append(args, renderArgument(arg))
		pos += n
	}
	return strings.Join(args, " ")
}

func decodeArgument(buf []byte) (*dlttypes.Argument, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("argument type-info truncated")
	}
	typeInfo := binary.LittleEndian.Uint32(buf[0:4])
	pos := 4
	a := &dlttypes.Argument{TypeInfo: typeInfo}

	tyle := typeInfo & dlttypes.TypeInfoTyleMask
	if tyle == dlttypes.Tyle128Bit {
		a.Error = "ERROR"
		return a, pos, nil
	}

	if typeInfo&dlttypes.TypeInfoVari != 0 {
		name, n, err := readLengthPrefixedString(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		a.Name = name
		pos += n
		if typeInfo&(dlttypes.TypeInfoSint|dlttypes.TypeInfoUint|dlttypes.TypeInfoFloa) != 0 {
			unit, n, err := readLengthPrefixedString(buf[pos:])
			if err != nil {
				return nil, 0, err
			}
			a.Unit = unit
			pos += n
		}
	}

	switch {
	case typeInfo&dlttypes.TypeInfoStrg != 0:
		s, n, err := readLengthPrefixedString(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		a.String = s
		pos += n
	case typeInfo&dlttypes.TypeInfoRawd != 0:
		if len(buf) < pos+2 {
			return nil, 0, fmt.Errorf("raw length truncated")
		}
		l := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if len(buf) < pos+l {
			return nil, 0, fmt.Errorf("raw data truncated")
		}
		a.Raw = buf[pos : pos+l]
		pos += l
	case typeInfo&dlttypes.TypeInfoBool != 0:
		if len(buf) < pos+1 {
			return nil, 0, fmt.Errorf("bool truncated")
		}
		a.Bool = buf[pos] != 0
		pos += 1
	case typeInfo&dlttypes.TypeInfoSint != 0:
		v, n, err := readSigned(buf[pos:], tyle)
		if err != nil {
			return nil, 0, err
		}
		a.Int = v
		pos += n
	case typeInfo&dlttypes.TypeInfoUint != 0:
		v, n, err := readUnsigned(buf[pos:], tyle)
		if err != nil {
			return nil, 0, err
		}
		a.Uint = v
		pos += n
	case typeInfo&dlttypes.TypeInfoFloa != 0:
		v, n, err := readFloat(buf[pos:], tyle)
		if err != nil {
			return nil, 0, err
		}
		a.Float = v
		pos += n
	}

	return a, pos, nil
}

func readLengthPrefixedString(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, fmt.Errorf("string length truncated")
	}
	l := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+l {
		return "", 0, fmt.Errorf("string data truncated")
	}
	s := string(buf[2 : 2+l])
	s = strings.TrimRight(s, "\x00")
	return s, 2 + l, nil
}

func byteWidth(tyle uint32) int {
	switch tyle {
	case dlttypes.Tyle8Bit:
		return 1
	case dlttypes.Tyle16Bit:
		return 2
	case dlttypes.Tyle32Bit:
		return 4
	case dlttypes.Tyle64Bit:
		return 8
	default:
		return 0
	}
}

func readSigned(buf []byte, tyle uint32) (int64, int, error) {
	w := byteWidth(tyle)
	if w == 0 || len(buf) < w {
		return 0, 0, fmt.Errorf("signed int truncated or unsupported width")
	}
	switch w {
	case 1:
		return int64(int8(buf[0])), 1, nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf))), 2, nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf))), 4, nil
	case 8:
		return int64(binary.LittleEndian.Uint64(buf)), 8, nil
	}
	return 0, 0, fmt.Errorf("unreachable")
}

func readUnsigned(buf []byte, tyle uint32) (uint64, int, error) {
	w := byteWidth(tyle)
	if w == 0 || len(buf) < w {
		return 0, 0, fmt.Errorf("unsigned int truncated or unsupported width")
	}
	switch w {
	case 1:
		return uint64(buf[0]), 1, nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), 2, nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), 4, nil
	case 8:
		return binary.LittleEndian.Uint64(buf), 8, nil
	}
	return 0, 0, fmt.Errorf("unreachable")
}

func readFloat(buf []byte, tyle uint32) (float64, int, error) {
	w := byteWidth(tyle)
	switch w {
	case 4:
		if len(buf) < 4 {
			return 0, 0, fmt.Errorf("float32 truncated")
		}
		bits := binary.LittleEndian.Uint32(buf)
		return float64(math.Float32frombits(bits)), 4, nil
	case 8:
		if len(buf) < 8 {
			return 0, 0, fmt.Errorf("float64 truncated")
		}
		bits := binary.LittleEndian.Uint64(buf)
		return math.Float64frombits(bits), 8, nil
	default:
		return 0, 0, fmt.Errorf("unsupported float width")
	}
}

func renderArgument(a *dlttypes.Argument) string {
	if a.Error != "" {
		return a.Error
	}
	switch {
	case a.String != "":
		return strings.TrimSuffix(a.String, "\n")
	case a.Raw != nil:
		return fmt.Sprintf("%x", a.Raw)
	case a.TypeInfo&dlttypes.TypeInfoBool != 0:
		return strconv.FormatBool(a.Bool)
	case a.TypeInfo&dlttypes.TypeInfoSint != 0:
		return strconv.FormatInt(a.Int, 10)
	case a.TypeInfo&dlttypes.TypeInfoUint != 0:
		return strconv.FormatUint(a.Uint, 10)
	case a.TypeInfo&dlttypes.TypeInfoFloa != 0:
		return strconv.FormatFloat(a.Float, 'g', -1, 64)
	default:
		return ""
	}
}
