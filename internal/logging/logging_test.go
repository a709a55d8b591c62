package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/internal/logging"
)

func TestNewJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := logging.New("info", logging.FormatJSON, buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("restored", zap.String("key", "linux-cargo"))
	require.NoError(t, logger.Sync())

	entry := map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "restored", entry["msg"])
	assert.Equal(t, "linux-cargo", entry["key"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewConsole(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := logging.New("debug", logging.FormatConsole, buf)
	require.NoError(t, err)

	logger.Debug("chunk downloaded")
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "chunk downloaded")
}

func TestNewInvalid(t *testing.T) {
	_, err := logging.New("loud", logging.FormatJSON, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = logging.New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
