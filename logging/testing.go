package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

type testAppender struct {
	tb      testing.TB
	encoder zapcore.Encoder
}

// NewTestAppender returns a logger appender that logs to the underlying `testing.TB` object.
// Writing through `tb.Log` associates each line with the test that produced it, even when
// tests run in parallel. The appender calls `tb.Helper` so Go reports the caller of the
// logger rather than this file.
func NewTestAppender(tb testing.TB) Appender {
	return &testAppender{
		tb:      tb,
		encoder: zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true}),
	}
}

// Write outputs the log entry to the underlying test object `Log` method. Fields are rendered
// as a single json object in the order they were given.
func (tapp *testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	tapp.tb.Helper()
	parts := []string{
		entry.Time.Format(DefaultTimeFormatStr),
		strings.ToUpper(entry.Level.String()),
		entry.LoggerName,
	}
	if entry.Caller.Defined {
		parts = append(parts, callerToString(&entry.Caller))
	}
	parts = append(parts, entry.Message)

	var encodeErr error
	if len(fields) > 0 {
		// An empty Entry makes the encoder emit only the fields.
		buf, err := tapp.encoder.EncodeEntry(zapcore.Entry{}, fields)
		if err == nil {
			parts = append(parts, buf.String())
			buf.Free()
		}
		encodeErr = err
	}
	tapp.tb.Log(strings.Join(parts, "\t"))
	return encodeErr
}

// Sync is a no-op.
func (tapp *testAppender) Sync() error {
	return nil
}
