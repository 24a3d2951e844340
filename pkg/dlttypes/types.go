// Package dlttypes holds the value types shared by every component that
// speaks the DLT wire format: the codec that parses them, the dispatcher
// that routes them, and the context handler that delivers them to
// subscribers.
package dlttypes

import (
	"strconv"
	"strings"
)

// Header flag bits (htyp), big-endian on the wire.
const (
	HtypUEH  = 0x01 // extended header present
	HtypMSBF = 0x02 // payload is big-endian (rare, not emitted by this system)
	HtypWEID = 0x04 // ECU id present in extra headers
	HtypWSID = 0x08 // session id present
	HtypWTMS = 0x10 // timestamp present
	HtypVERS = 0xE0 // version number, bits 5-7
)

// msin bits.
const (
	MsinVERB = 0x01
	MsinMstpMask  = 0x0E
	MsinMstpShift = 1
	MsinMtinMask  = 0xF0
	MsinMtinShift = 4
)

// Message types (msin bits 1..3).
const (
	MessageTypeLog     = 0
	MessageTypeAppTrace = 1
	MessageTypeNwTrace  = 2
	MessageTypeControl  = 3
)

// Control subtypes (msin bits 4..7 when MessageType == control).
const (
	ControlRequest  = 1
	ControlResponse = 2
	ControlTime     = 3
)

// Verbose argument type-info bits, little-endian u32 on the wire.
const (
	TypeInfoTyleMask = 0x0F
	TypeInfoBool     = 0x10
	TypeInfoSint     = 0x20
	TypeInfoUint     = 0x40
	TypeInfoFloa     = 0x80
	TypeInfoAray     = 0x100
	TypeInfoStrg     = 0x200
	TypeInfoRawd     = 0x400
	TypeInfoVari     = 0x800
	TypeInfoFixp     = 0x1000
	TypeInfoTrai     = 0x2000
	TypeInfoStru     = 0x4000
	TypeInfoScodMask = 0x38000
)

// TYLE length codes.
const (
	Tyle8Bit   = 1
	Tyle16Bit  = 2
	Tyle32Bit  = 3
	Tyle64Bit  = 4
	Tyle128Bit = 5 // unsupported: decodes to the literal ERROR
)

// SCOD string-coding codes (after shifting TypeInfoScodMask down).
const (
	ScodAscii = 0
	ScodUtf8  = 1
	ScodHex   = 2
	ScodBin   = 3
)

// Control service ids this system knows how to render.
const (
	ServiceIDGetSoftwareVersion = 0x13
	ServiceIDUnregisterContext  = 0xF01
	ServiceIDConnectionInfo     = 0xF02
	ServiceIDTimezone           = 0xF03
	ServiceIDMarker             = 0xF04
)

// Connection-info state codes.
const (
	ConnectionStateDisconnected = 1
	ConnectionStateConnected    = 2
)

// Wire defaults (spec.md §6).
const (
	DefaultTCPPort         = 3490
	DefaultRecvBufferSize  = 10024
	DefaultFilterMax       = 30
	StorageHeaderSize      = 16
	StandardHeaderSize     = 4
	ExtendedHeaderSize     = 10
)

// SyncPattern is the 4-byte storage-header magic used to relocate frame
// boundaries after corruption.
var SyncPattern = [4]byte{'D', 'L', 'T', 0x01}

// StorageHeader is the on-disk/archived framing prefixed to each frame.
type StorageHeader struct {
	Seconds      uint32
	Microseconds int32
	EcuID        string
}

// StandardHeader is the fixed big-endian header every frame carries.
type StandardHeader struct {
	Htyp uint8
	Mcnt uint8
	Len  uint16
}

func (h StandardHeader) UseExtendedHeader() bool { return h.Htyp&HtypUEH != 0 }
func (h StandardHeader) HasEcuID() bool          { return h.Htyp&HtypWEID != 0 }
func (h StandardHeader) HasSessionID() bool      { return h.Htyp&HtypWSID != 0 }
func (h StandardHeader) HasTimestamp() bool      { return h.Htyp&HtypWTMS != 0 }

// ExtendedHeader carries the application/context identification.
type ExtendedHeader struct {
	Msin uint8
	Noar uint8
	Apid string
	Ctid string
}

func (e ExtendedHeader) Verbose() bool { return e.Msin&MsinVERB != 0 }
func (e ExtendedHeader) MessageType() int {
	return int(e.Msin&MsinMstpMask) >> MsinMstpShift
}
func (e ExtendedHeader) Subtype() int {
	return int(e.Msin&MsinMtinMask) >> MsinMtinShift
}
func (e ExtendedHeader) IsControl() bool { return e.MessageType() == MessageTypeControl }

// Argument is a single decoded verbose-mode payload value.
type Argument struct {
	TypeInfo uint32
	Name     string // present iff TypeInfoVari set
	Unit     string // present iff TypeInfoVari set and the type is numeric
	Bool     bool
	Int      int64
	Uint     uint64
	Float    float64
	String   string
	Raw      []byte
	Error    string // set instead of a value when decoding is unsupported (e.g. 128-bit)
}

// Frame is a fully decoded DLT message.
type Frame struct {
	HasStorageHeader bool
	Storage          StorageHeader
	Standard         StandardHeader
	EcuID            string // from extra headers, may duplicate Storage.EcuID
	SessionID        uint32
	TimestampTenths  uint32 // 0.1 ms units, 0 if absent
	HasExtended      bool
	Extended         ExtendedHeader
	Payload          []byte // raw, unparsed payload bytes

	HeaderSize int
	DataSize   int
}

// Apid/Ctid return the 4-byte ids, defaulting to empty when the extended
// header is absent (per spec.md §8 extract_sort_data invariant).
func (f *Frame) Apid() string {
	if !f.HasExtended {
		return ""
	}
	return f.Extended.Apid
}

func (f *Frame) Ctid() string {
	if !f.HasExtended {
		return ""
	}
	return f.Extended.Ctid
}

// Tmsp returns the timestamp in seconds (tenths of ms -> seconds).
func (f *Frame) Tmsp() float64 {
	return float64(f.TimestampTenths) / 10000.0
}

// StorageTimestamp builds the value as a decimal string, seconds "."
// microseconds, and parses it, rather than dividing. The microseconds are
// zero-padded to six digits, so 5 microseconds renders as ".000005", not
// ".5".
func (f *Frame) StorageTimestamp() float64 {
	us := f.Storage.Microseconds
	sign := ""
	if us < 0 {
		sign = "-"
		us = -us
	}
	s := strconv.FormatUint(uint64(f.Storage.Seconds), 10) + "." + sign + padMicros(us)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func padMicros(us int32) string {
	s := strconv.FormatInt(int64(us), 10)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

// EcuIDTrimmed strips the trailing NUL padding for display.
func (f *Frame) EcuIDTrimmed() string { return strings.TrimRight(f.EcuID, "\x00") }
