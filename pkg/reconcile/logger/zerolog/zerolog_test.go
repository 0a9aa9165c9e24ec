package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_WritesTypedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("ledger transaction applied",
		reconcile.F("tenant_id", "org_1"),
		reconcile.F("amount", int64(100)),
		reconcile.F("error", errors.New("boom")),
	)

	entry := decode(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "ledger transaction applied", entry["message"])
	assert.Equal(t, "org_1", entry["tenant_id"])
	assert.Equal(t, float64(100), entry["amount"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_Levels(t *testing.T) {
	cases := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("m") }},
		{"info", func(l *Logger) { l.Info("m") }},
		{"warn", func(l *Logger) { l.Warn("m") }},
		{"error", func(l *Logger) { l.Error("m") }},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			tc.log(NewLogger(zerolog.New(&buf)))
			assert.Equal(t, tc.level, decode(t, &buf)["level"])
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, buf.Len())

	logger.Warn("warn message")
	assert.NotZero(t, buf.Len())
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf)).With(reconcile.F("provider", "stripe"))

	logger.Info("event skipped")

	assert.Equal(t, "stripe", decode(t, &buf)["provider"])
}
