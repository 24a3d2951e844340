// Package dltlog provides the broker's leveled logging. In-process
// diagnostics (corrupt-frame counts, tailing progress) use the prefixed
// writer style the teacher repo's top-level log package uses; broker
// lifecycle and reconnect events additionally go through ccLogger so they
// land wherever the embedding application's structured logging is
// configured.
package dltlog

import (
	"fmt"
	"io"
	"os"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrorWriter io.Writer = os.Stderr
)

var (
	DebugPrefix = "<7>[DEBUG]"
	InfoPrefix  = "<6>[INFO]"
	WarnPrefix  = "<4>[WARNING]"
	ErrPrefix   = "<3>[ERROR]"
	FatalPrefix = "<3>[FATAL]"
)

func init() {
	if lvl, ok := os.LookupEnv("DLT_LOGLEVEL"); ok {
		SetLevel(lvl)
	}
}

// SetLevel redirects lower-severity writers to io.Discard. Unknown values
// are logged as a warning and ignored.
func SetLevel(lvl string) {
	switch lvl {
	case "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
	default:
		Warnf("dltlog: invalid level %q", lvl)
	}
}

func Debugf(format string, v ...interface{}) {
	if DebugWriter != io.Discard {
		fmt.Fprintf(DebugWriter, DebugPrefix+" "+format+"\n", v...)
	}
}

func Infof(format string, v ...interface{}) {
	if InfoWriter != io.Discard {
		fmt.Fprintf(InfoWriter, InfoPrefix+" "+format+"\n", v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if WarnWriter != io.Discard {
		fmt.Fprintf(WarnWriter, WarnPrefix+" "+format+"\n", v...)
	}
}

func Errorf(format string, v ...interface{}) {
	if ErrorWriter != io.Discard {
		fmt.Fprintf(ErrorWriter, ErrPrefix+" "+format+"\n", v...)
	}
}

// Lifecyclef logs broker start/stop/reconnect events through ccLogger, in
// addition to the in-process writer above — these are the events an
// operator embedding this package into a larger service expects to see in
// its own structured log stream.
func Lifecyclef(format string, v ...interface{}) {
	cclog.Infof(format, v...)
	Infof(format, v...)
}

// Reconnectf logs socket reconnect attempts and suppression, matching the
// MAX_LOG_IN_ROW=3 throttle described in SPEC_FULL.md's supplemented
// features.
func Reconnectf(format string, v ...interface{}) {
	cclog.Warnf(format, v...)
	Warnf(format, v...)
}
