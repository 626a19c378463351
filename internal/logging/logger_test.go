package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewWithWriter(&buf, "info", "json"), "dispatcher")

	log.Info().Str("job_id", "j-1").Msg("transition")
	log.Debug().Msg("dropped below level")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "dispatcher", line["component"])
	assert.Equal(t, "j-1", line["job_id"])
	assert.Equal(t, "transition", line["message"])
}
