package logger

import (
	"fmt"
	"io"
	"time"

	logging "gopkg.in/op/go-logging.v1"
)

// splitBackend is a logging.Backend that routes records to one of two sinks
// depending on level: debug/info to the "low" sink, warn/error(/critical)
// to the "high" sink — matching spec §4.8's console destination split, and
// reused for file mode where both sinks append to the same per-component
// buffer (there is only one file per component, not one per level).
type splitBackend struct {
	low, high sink
}

// sink abstracts "console writer" vs "buffered per-component file" so
// splitBackend doesn't need to know which mode it's in.
type sink interface {
	write(component string, p []byte)
}

type writerSink struct{ w io.Writer }

func (s writerSink) write(_ string, p []byte) { _, _ = s.w.Write(p) }

type fileSink struct{ appender *fileAppender }

func (s fileSink) write(component string, p []byte) { s.appender.writeFor(component, p) }

func newSplitBackend(low, high interface{}) *splitBackend {
	return &splitBackend{low: asSink(low), high: asSink(high)}
}

func asSink(v interface{}) sink {
	switch s := v.(type) {
	case io.Writer:
		return writerSink{s}
	case *fileAppender:
		return fileSink{s}
	default:
		panic(fmt.Sprintf("logger: unsupported sink type %T", v))
	}
}

// Log implements logging.Backend.
func (b *splitBackend) Log(level logging.Level, calldepth int, rec *logging.Record) error {
	line := formatRecord(level, rec)
	if level <= logging.WARNING { // CRITICAL, ERROR, WARNING
		b.high.write(rec.Module, line)
	} else { // NOTICE, INFO, DEBUG
		b.low.write(rec.Module, line)
	}
	return nil
}

func formatRecord(level logging.Level, rec *logging.Record) []byte {
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	msg := fmt.Sprintf("%s [%s] %-7s %s\n", ts, rec.Module, level.String(), rec.Message())
	return []byte(msg)
}
