package eventlog

import (
	"fmt"
	"time"

	"github.com/sockaudit/sockaudit/types"
)

// Default lines carry an RFC 5424 style prefix with facility 13 (log
// audit) and severity 5 (notice).
const syslogPri = 13<<3 | 5

const (
	brokenRecordText = "BROKEN RECORD"
	truncText        = "TRUNC"
)

// formatLine renders one record as a newline-terminated line appended to
// dst. The result never exceeds max bytes; an oversized rendering is cut
// and marked with TRUNC ahead of the final newline instead of spilling.
// A record flagged broken still gets its prefix and identity so the line
// stays attributable.
func formatLine(dst []byte, rec types.Record, broken, simple bool, max int) []byte {
	sec := rec.Identity.UnixNano / int64(time.Second)
	usec := rec.Identity.UnixNano % int64(time.Second) / int64(time.Microsecond)

	if simple {
		dst = fmt.Appendf(dst, "%s [%5d.%06d]: ", rec.Kind, sec, usec)
	} else {
		dst = fmt.Appendf(dst, "<%d>1 - - %s - - - [%5d.%06d]: ", syslogPri, rec.Kind, sec, usec)
	}
	dst = fmt.Appendf(dst, "pid=%d uid=%d gid=%d comm=%s ",
		rec.Identity.PID, rec.Identity.UID, rec.Identity.GID, rec.Identity.CommString())

	switch {
	case broken:
		dst = append(dst, brokenRecordText...)
	case rec.Net != nil:
		ev := rec.Net
		dst = fmt.Appendf(dst, "%s %s %s %s %s:%d -> %s:%d",
			ev.Path, ev.Proto, ev.Action, ev.Family,
			ev.SrcIP(), ev.SrcPort, ev.DstIP(), ev.DstPort)
	case rec.Exec != nil:
		dst = fmt.Appendf(dst, "%s %s", rec.Exec.Path, rec.Exec.ArgvString())
	default:
		dst = append(dst, brokenRecordText...)
	}
	dst = append(dst, '\n')

	if len(dst) > max {
		dst = dst[:max]
		copy(dst[max-len(truncText)-1:], truncText)
		dst[max-1] = '\n'
	}
	return dst
}
