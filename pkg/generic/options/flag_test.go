package options

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOptions struct {
	Port    string   `json:"port"`
	Brokers []string `json:"brokers"`
	BaseOptions
}

func (o *testOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Port, "port", "P", o.Port, "")
	fs.StringSliceVar(&o.Brokers, "brokers", o.Brokers, "")
}

func newTestOptions() *testOptions {
	return &testOptions{Port: "32200", BaseOptions: NewDefaultBaseOptions()}
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseAndApplyConfigFile(t *testing.T) {
	path := writeConfig(t, `
port: "8080"
brokers: ["tcp://a:1883", "tcp://b:1883"]
logging:
  format: text
  verbosity: 4
`)
	o := newTestOptions()
	o.ConfigFile = path
	require.NoError(t, ParseAndApplyConfigFile(o, []string{"-c", path, "--port", "9090"}))

	assert.Equal(t, "9090", o.Port)
	assert.Equal(t, []string{"tcp://a:1883", "tcp://b:1883"}, o.Brokers)
	assert.EqualValues(t, 4, o.Logging.Verbosity)
	assert.Equal(t, path, o.ConfigFile)
}

func TestParseAndApplyConfigFileErrors(t *testing.T) {
	o := newTestOptions()
	require.NoError(t, ParseAndApplyConfigFile(o, nil))
	assert.Equal(t, "32200", o.Port)

	o.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, ParseAndApplyConfigFile(o, nil))

	o.ConfigFile = writeConfig(t, "prot: 1\n")
	err := ParseAndApplyConfigFile(o, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestWriteDefaultConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDefaultConfig(&buf, newTestOptions()))
	out := buf.String()
	assert.Contains(t, out, `port: "32200"`)
	assert.Contains(t, out, "verbosity: 2")
	assert.NotContains(t, out, "ConfigFile")
}
