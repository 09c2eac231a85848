package config

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCPUs(t *testing.T) {
	cases := []struct {
		value string
		want  int
		ok    bool
	}{
		{"4", 4, true},
		{"0", 0, true},
		{"detect", runtime.NumCPU(), true},
		{"", runtime.NumCPU(), true},
		{"detect-1", max(runtime.NumCPU()-1, 0), true},
		{"detect-9999", 0, true},
		{"-2", 0, false},
		{"many", 0, false},
		{"detect-x", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseCPUs(tc.value)
		if !tc.ok {
			require.Error(t, err, "value %q", tc.value)
			continue
		}
		require.NoError(t, err, "value %q", tc.value)
		require.Equal(t, tc.want, got, "value %q", tc.value)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Server.ListenAddress)
	require.NotEmpty(t, cfg.Governor.WorkDir)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Positive(t, cfg.Events.FlushInterval)
	require.False(t, cfg.Debug.CheckConsistency)
}
