package log

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	l := WithWorkerID(WithJobID(WithComponent("allocator"), "job-1"), "job-1-abc-0")
	l.Debug().Msg("slot assigned")

	out := buf.String()
	assert.Contains(t, out, `"component":"allocator"`)
	assert.Contains(t, out, `"job_id":"job-1"`)
	assert.Contains(t, out, `"worker_id":"job-1-abc-0"`)
	assert.Contains(t, out, `"message":"slot assigned"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   Level
		want zerolog.Level
	}{
		{DebugLevel, zerolog.DebugLevel},
		{InfoLevel, zerolog.InfoLevel},
		{WarnLevel, zerolog.WarnLevel},
		{ErrorLevel, zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), string(tt.in))
	}
}
