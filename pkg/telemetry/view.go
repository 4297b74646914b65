package telemetry

import (
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"lumentree/pkg/protocol/lumentree/runtime"
	rootruntime "lumentree/pkg/runtime"
)

type BatteryLevel string

const (
	BatteryLow    BatteryLevel = "low"
	BatteryMedium BatteryLevel = "medium"
	BatteryHigh   BatteryLevel = "high"
)

// SampleView is what the display side renders for one sample.
type SampleView struct {
	runtime.TelemetrySample
	BatteryCurrent *float64     `json:"batteryCurrent,omitempty"`
	BatteryLevel   BatteryLevel `json:"batteryLevel"`
	Online         bool         `json:"online"`
}

func NewSampleView(sample runtime.TelemetrySample, online bool) SampleView {
	return SampleView{
		TelemetrySample: sample,
		BatteryCurrent:  BatteryCurrent(sample),
		BatteryLevel:    LevelOf(sample.BatteryPercent),
		Online:          online,
	}
}

// BatteryCurrent is magnitude over voltage in amps, nil without a voltage.
func BatteryCurrent(sample runtime.TelemetrySample) *float64 {
	if sample.BatteryVoltage <= 0 {
		return nil
	}
	current := float64(sample.BatteryMagnitude) / sample.BatteryVoltage
	return &current
}

func LevelOf(percent int) BatteryLevel {
	switch {
	case percent < 20:
		return BatteryLow
	case percent < 80:
		return BatteryMedium
	default:
		return BatteryHigh
	}
}

// Fields flattens the measured values of sample into a map keyed by their
// JSON names.
func Fields(sample runtime.TelemetrySample) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if err := mapstructure.Decode(sample, &fields); err != nil {
		return nil, errors.Wrap(err, "flatten sample")
	}
	return fields, nil
}

// Select keeps only the named fields. Unknown names are returned as an error
// so callers can report them.
func Select(sample runtime.TelemetrySample, names []string) (map[string]interface{}, error) {
	fields, err := Fields(sample)
	if err != nil {
		return nil, err
	}
	selected := make(map[string]interface{}, len(names)+1)
	var unknown []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		v, ok := fields[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		selected[name] = v
	}
	if len(unknown) > 0 {
		return nil, &UnknownFieldsError{Names: unknown}
	}
	selected["timestamp"] = sample.Timestamp
	return selected, nil
}

type UnknownFieldsError struct {
	Names []string
}

func (e *UnknownFieldsError) Error() string {
	return "unknown fields: " + strings.Join(e.Names, ",")
}

// Points converts sample into the data point list used for republishing,
// sorted by data point id.
func Points(sample runtime.TelemetrySample) ([]rootruntime.PointData, error) {
	fields, err := Fields(sample)
	if err != nil {
		return nil, err
	}
	points := make([]rootruntime.PointData, 0, len(fields))
	for k, v := range fields {
		if d, ok := v.(runtime.BatteryDirection); ok {
			v = string(d)
		}
		points = append(points, rootruntime.PointData{DataPointId: k, Value: v})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].DataPointId < points[j].DataPointId
	})
	return points, nil
}
