package settings_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handover-sh/handover/internal/settings"
)

func openStore(t *testing.T) *settings.Store {
	t.Helper()
	s, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	s := openStore(t)

	require.NoError(t, s.SetString("device.name", "studio"))
	v, err := s.GetString("device.name")
	require.NoError(t, err)
	assert.Equal(t, "studio", v)

	// Replacement wins.
	require.NoError(t, s.SetString("device.name", "laptop"))
	v, err = s.GetString("device.name")
	require.NoError(t, err)
	assert.Equal(t, "laptop", v)

	// Absent keys read empty.
	v, err = s.GetString("missing")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestBoolAndResumeFlag(t *testing.T) {
	t.Parallel()

	s := openStore(t)

	pending, err := s.ResumeAfterReboot()
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, s.SetResumeAfterReboot(true))
	pending, err = s.ResumeAfterReboot()
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, s.SetBool("opt", false))
	v, err := s.GetBool("opt")
	require.NoError(t, err)
	assert.False(t, v)
}

func TestConcurrentWritersSerialized(t *testing.T) {
	t.Parallel()

	s := openStore(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				assert.NoError(t, s.SetString("shared", "writer"))
			}
		}()
	}
	wg.Wait()

	v, err := s.GetString("shared")
	require.NoError(t, err)
	assert.Equal(t, "writer", v)
}
