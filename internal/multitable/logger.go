// Package multitable persists ragged JSON records into a tree of tables: it
// reconciles the live schema with a plan, upserts each record and its nested
// rows, and drives a batch through chunked transactions.
package multitable

import (
	"log"
	"time"
)

// Logger is the minimal logging interface used by the multitable engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func orDiscard(l Logger) Logger {
	if l != nil {
		return l
	}
	return log.New(discardWriter{}, "", 0)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
