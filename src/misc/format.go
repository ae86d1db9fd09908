// Package misc holds small human-facing formatting helpers used by the
// info/CLI output path, replacing the original tool's numpy-based
// pretty_size/pretty_time with github.com/dustin/go-humanize.
package misc

import (
	"time"

	"github.com/dustin/go-humanize"
)

// PrettySize formats a byte count the way the CLI reports archive and
// restore sizes, e.g. "4.2 MB".
func PrettySize(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}

// PrettyTime formats a duration the way the CLI reports backup run times,
// e.g. "3 minutes".
func PrettyTime(d time.Duration) string {
	return humanize.RelTime(time.Now(), time.Now().Add(d), "", "")
}
