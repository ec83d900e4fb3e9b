package seed

import "github.com/go-vhal/vhal"

// rawAreaConfig mirrors the JSON shape a fixture server returns for one area
// entry of a property.
type rawAreaConfig struct {
	AreaID int32    `json:"areaId"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// rawPropertyConfig mirrors the JSON shape a fixture server returns for one
// property.
type rawPropertyConfig struct {
	PropID        int32           `json:"propId"`
	ChangeMode    string          `json:"changeMode"`
	ValueType     string          `json:"valueType"`
	Global        bool            `json:"global"`
	Areas         []rawAreaConfig `json:"areas,omitempty"`
	MinSampleRate float64         `json:"minSampleRate,omitempty"`
	MaxSampleRate float64         `json:"maxSampleRate,omitempty"`
}

var changeModes = map[string]vhal.ChangeMode{
	"static":     vhal.ChangeModeStatic,
	"on_change":  vhal.ChangeModeOnChange,
	"continuous": vhal.ChangeModeContinuous,
}

var valueTypes = map[string]vhal.ValueType{
	"int32":      vhal.ValueTypeInt32,
	"int32_vec":  vhal.ValueTypeInt32Vec,
	"int64":      vhal.ValueTypeInt64,
	"int64_vec":  vhal.ValueTypeInt64Vec,
	"float":      vhal.ValueTypeFloat,
	"float_vec":  vhal.ValueTypeFloatVec,
	"string":     vhal.ValueTypeString,
	"bytes":      vhal.ValueTypeBytes,
}

func (r rawPropertyConfig) toConfig() vhal.PropertyConfig {
	areas := make([]vhal.AreaConfig, 0, len(r.Areas))
	for _, a := range r.Areas {
		ac := vhal.AreaConfig{AreaID: vhal.AreaID(a.AreaID)}
		if a.Min != nil || a.Max != nil {
			ac.Range = &vhal.Range{Min: a.Min, Max: a.Max}
		}
		areas = append(areas, ac)
	}
	return vhal.PropertyConfig{
		PropID:        vhal.PropertyID(r.PropID),
		ChangeMode:    changeModes[r.ChangeMode],
		ValueType:     valueTypes[r.ValueType],
		Global:        r.Global,
		Areas:         areas,
		MinSampleRate: r.MinSampleRate,
		MaxSampleRate: r.MaxSampleRate,
	}
}
