package logs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"tango_bot/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "XAUUSD_bot.log")
	cfg := &config.LogConfig{LogLevel: "debug", MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}

	require.NoError(t, Init(cfg, path))
	SetOutput(&bytes.Buffer{})
	WithFields(Fields{"ticket": 7}).Warn("stop not applied")
	Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stop not applied")
	assert.Contains(t, string(data), "ticket=7")
}

func TestLoggingBeforeInit(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)
	Infof("hello %d", 1)
	assert.Contains(t, buf.String(), "hello 1")
}
