package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: DebugLevel},
		{in: " WARN ", want: WarnLevel},
		{in: "", want: InfoLevel},
		{in: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestChildLoggers verifies the structured fields each helper attaches
func TestChildLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("detector")
	logger = WithUserID(logger, "u1")
	logger = WithSampleID(logger, "s1")
	logger.Info().Msg("processed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "detector", line["component"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "s1", line["sample_id"])
	assert.Equal(t, "processed", line["message"])

	buf.Reset()
	eventLogger := WithEventID(Logger, "e1", "u2", "HQ")
	eventLogger.Warn().Msg("delivery failed")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "e1", line["event_id"])
	assert.Equal(t, "u2", line["user_id"])
	assert.Equal(t, "HQ", line["geofence_code"])
}
