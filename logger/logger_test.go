package logger

import (
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupWritesFile(t *testing.T) {
	dir := t.TempDir()
	closer, err := Setup(Config{Level: "debug", File: "logs/test.log"}, dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
	})

	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	logrus.WithField("prefix", "test").Debug("hello from the test")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(filepath.Join(dir, "logs", "test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello from the test")
	assert.Contains(t, string(b), "test")
}

func TestSetupRejectsBadLevel(t *testing.T) {
	_, err := Setup(Config{Level: "chatty"}, "")
	assert.Error(t, err)
}

func TestSetupStdoutOnly(t *testing.T) {
	closer, err := Setup(Config{}, "")
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	logrus.SetOutput(os.Stderr)
}
