package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]logging.Level{
		"ERROR":   logging.ERROR,
		"warning": logging.WARNING,
		"Notice":  logging.NOTICE,
		"INFO":    logging.INFO,
		"debug":   logging.DEBUG,
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("", "chatty", false)
	require.Error(t, err)
}

func TestBackendWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	b, err := New(path, "DEBUG", false)
	require.NoError(t, err)

	log := b.GetLogger("test/module")
	log.Noticef("hello %s", "there")
	require.NoError(t, b.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "test/module")
	require.Contains(t, string(data), "hello there")
}

func TestDisabledBackendDiscards(t *testing.T) {
	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	log := b.GetLogger("quiet")
	log.Error("should go nowhere")
	require.NoError(t, b.Close())
}

func TestPerModuleLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	b, err := New(path, "ERROR", false)
	require.NoError(t, err)

	b.SetLevel(logging.DEBUG, "loud")
	require.True(t, b.IsEnabledFor(logging.DEBUG, "loud"))
	require.False(t, b.IsEnabledFor(logging.DEBUG, "other"))
	require.NoError(t, b.Close())
}
