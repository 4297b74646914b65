package options

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"k8s.io/component-base/config"
	"k8s.io/component-base/logs"
	"k8s.io/component-base/logs/registry"
)

// frameDumpFile is the source file logging request and response frames at
// frameDumpVerbosity.
const (
	frameDumpFile      = "session"
	frameDumpVerbosity = 5
)

// LoggingConfiguration wraps the component-base logging settings so they
// can live in the YAML config file.
type LoggingConfiguration struct {
	config.LoggingConfiguration
	// FrameDumps logs every frame in hex without raising -v globally.
	FrameDumps bool
}

func NewDefaultLoggingConfiguration() LoggingConfiguration {
	return LoggingConfiguration{
		LoggingConfiguration: config.LoggingConfiguration{
			Format:    "text",
			Verbosity: 2,
		},
	}
}

func (l *LoggingConfiguration) ValidateAndApply() error {
	o := logs.NewOptions()
	o.Config.Format = l.Format
	o.Config.Verbosity = l.Verbosity
	o.Config.VModule = l.vmodule()
	return o.ValidateAndApply()
}

func (l *LoggingConfiguration) vmodule() config.VModuleConfiguration {
	if !l.FrameDumps {
		return l.VModule
	}
	vmodule := make(config.VModuleConfiguration, 0, len(l.VModule)+1)
	for _, item := range l.VModule {
		if item.FilePattern != frameDumpFile {
			vmodule = append(vmodule, item)
		}
	}
	return append(vmodule, config.VModuleItem{FilePattern: frameDumpFile, Verbosity: frameDumpVerbosity})
}

type marshalLoggingConfig struct {
	Format     string                      `json:"format"`
	Verbosity  config.VerbosityLevel       `json:"verbosity"`
	VModule    config.VModuleConfiguration `json:"vmodule,omitempty"`
	FrameDumps bool                        `json:"frame-dumps"`
}

func (l *LoggingConfiguration) MarshalJSON() ([]byte, error) {
	return json.Marshal(&marshalLoggingConfig{
		Format:     l.Format,
		Verbosity:  l.Verbosity,
		VModule:    l.VModule,
		FrameDumps: l.FrameDumps,
	})
}

func (l *LoggingConfiguration) UnmarshalJSON(bytes []byte) error {
	in := &marshalLoggingConfig{
		Format:    l.Format,
		Verbosity: l.Verbosity,
	}
	if err := json.Unmarshal(bytes, in); err != nil {
		return err
	}
	l.Format = in.Format
	l.Verbosity = in.Verbosity
	l.VModule = in.VModule
	l.FrameDumps = in.FrameDumps
	return nil
}

// BindLoggingFlags adds the logging flags, hiding all but -v, --vmodule and
// --logging-format.
func (l *LoggingConfiguration) BindLoggingFlags(fs *pflag.FlagSet) {
	notHidden := map[string]bool{
		"v":              true,
		"vmodule":        true,
		"logging-format": true,
	}

	logsFs := pflag.NewFlagSet("", pflag.ContinueOnError)
	logs.BindLoggingFlags(&l.LoggingConfiguration, logsFs)
	logsFs.VisitAll(func(f *pflag.Flag) {
		if notHidden[f.Name] {
			if f.Name == "logging-format" {
				formats := fmt.Sprintf(`"%s"`, strings.Join(registry.LogRegistry.List(), `", "`))
				f.Usage = fmt.Sprintf("Sets the log format. Permitted formats: %s.", formats)
			}
			return
		}
		f.Hidden = true
	})

	fs.AddFlagSet(logsFs)
	fs.BoolVar(&l.FrameDumps, "log-frames", l.FrameDumps, "Log every request and response frame in hex")
}
