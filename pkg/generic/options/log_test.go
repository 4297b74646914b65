package options

import (
	"encoding/json"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/component-base/config"
)

func TestLoggingFrameDumps(t *testing.T) {
	l := NewDefaultLoggingConfiguration()
	assert.Empty(t, l.vmodule())

	l.VModule = config.VModuleConfiguration{
		{FilePattern: "reconnector", Verbosity: 4},
		{FilePattern: "session", Verbosity: 1},
	}
	l.FrameDumps = true
	assert.Equal(t, config.VModuleConfiguration{
		{FilePattern: "reconnector", Verbosity: 4},
		{FilePattern: "session", Verbosity: 5},
	}, l.vmodule())
	assert.Len(t, l.VModule, 2)
	assert.NoError(t, l.ValidateAndApply())
}

func TestLoggingFlagsAndJSON(t *testing.T) {
	l := NewDefaultLoggingConfiguration()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	l.BindLoggingFlags(fs)

	for _, name := range []string{"v", "vmodule", "logging-format", "log-frames"} {
		f := fs.Lookup(name)
		require.NotNil(t, f, name)
		assert.False(t, f.Hidden, name)
	}
	require.NoError(t, fs.Parse([]string{"--log-frames", "-v", "3"}))
	assert.True(t, l.FrameDumps)
	assert.EqualValues(t, 3, l.Verbosity)

	data, err := json.Marshal(&l)
	require.NoError(t, err)
	assert.JSONEq(t, `{"format":"text","verbosity":3,"frame-dumps":true}`, string(data))

	decoded := NewDefaultLoggingConfiguration()
	require.NoError(t, json.Unmarshal([]byte(`{"verbosity":4}`), &decoded))
	assert.Equal(t, "text", decoded.Format)
	assert.EqualValues(t, 4, decoded.Verbosity)
	assert.False(t, decoded.FrameDumps)
}
