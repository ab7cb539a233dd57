package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogSeverity_UnmarshalText(t *testing.T) {
	var l LogSeverity
	assert.NoError(t, l.UnmarshalText([]byte("warning")))
	assert.Equal(t, WarningLogSeverity, l)
	assert.NoError(t, l.UnmarshalText([]byte("TRACE")))
	assert.Equal(t, TraceLogSeverity, l)
	assert.Error(t, l.UnmarshalText([]byte("loud")))
}

func TestLogSeverity_Rank(t *testing.T) {
	assert.Equal(t, 0, TraceLogSeverity.Rank())
	assert.Equal(t, 5, OffLogSeverity.Rank())
	assert.Equal(t, -1, LogSeverity("nope").Rank())
}

func TestLogFormat_UnmarshalText(t *testing.T) {
	var f LogFormat
	assert.NoError(t, f.UnmarshalText([]byte("JSON")))
	assert.Equal(t, LogFormat("json"), f)
	assert.NoError(t, f.UnmarshalText([]byte("text")))
	assert.Error(t, f.UnmarshalText([]byte("xml")))
}
