package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")
	logger, err := New(Config{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("orders settled")
	_ = logger.Sync()

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "orders settled")
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for _, level := range []string{"", "info", "DEBUG", "warn", "error"} {
		_, err := parseLevel(level)
		assert.NoError(t, err, level)
	}
}
