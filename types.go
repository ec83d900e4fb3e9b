package vhal

import "time"

// PropertyID identifies a vehicle property. Its bits encode group, area-kind and
// value-type; this package treats it as an opaque key and leaves the encoding to
// the caller.
type PropertyID int32

// AreaID identifies a sub-location of a property. GlobalArea is the reserved id
// for properties that are not area-scoped.
type AreaID int32

// GlobalArea is the area id used by properties configured as global.
const GlobalArea AreaID = 0

// ChangeMode describes how a property emits updates.
type ChangeMode int

const (
	ChangeModeStatic ChangeMode = iota
	ChangeModeOnChange
	ChangeModeContinuous
)

func (m ChangeMode) String() string {
	switch m {
	case ChangeModeStatic:
		return "static"
	case ChangeModeOnChange:
		return "on_change"
	case ChangeModeContinuous:
		return "continuous"
	default:
		return "unknown"
	}
}

// ValueType is the variant tag of a PropertyValue's typed union.
type ValueType int

const (
	ValueTypeInt32 ValueType = iota
	ValueTypeInt32Vec
	ValueTypeInt64
	ValueTypeInt64Vec
	ValueTypeFloat
	ValueTypeFloatVec
	ValueTypeString
	ValueTypeBytes
)

// Range declares the inclusive numeric bounds an area config may place on a
// property's value. Nil bounds are unbounded in that direction.
type Range struct {
	Min *float64
	Max *float64
}

func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// AreaConfig is one area entry of an area-scoped property: the area id plus the
// optional value range declared for it.
type AreaConfig struct {
	AreaID AreaID
	Range  *Range
}

// PropertyConfig is the immutable configuration of a single property, as loaded
// once from the hardware driver.
type PropertyConfig struct {
	PropID     PropertyID
	ChangeMode ChangeMode
	ValueType  ValueType
	Global     bool
	Areas      []AreaConfig // empty for global properties

	// MinSampleRate/MaxSampleRate bound the sample rate of a continuous
	// property; both are ignored for static/on-change properties.
	MinSampleRate float64
	MaxSampleRate float64
}

// AreaConfigFor returns the configured area entry for areaID, if any.
func (c PropertyConfig) AreaConfigFor(areaID AreaID) (AreaConfig, bool) {
	for _, a := range c.Areas {
		if a.AreaID == areaID {
			return a, true
		}
	}
	return AreaConfig{}, false
}

// Value is the typed union carried by a PropertyValue. Exactly the field(s)
// matching the property's ValueType are meaningful.
type Value struct {
	Int32Values []int32
	Int64Values []int64
	FloatValues []float32
	StringValue string
	BytesValue  []byte
}

// MatchesType reports whether v carries a non-empty payload for typ.
func (v Value) MatchesType(typ ValueType) bool {
	switch typ {
	case ValueTypeInt32:
		return len(v.Int32Values) == 1
	case ValueTypeInt32Vec:
		return len(v.Int32Values) > 0
	case ValueTypeInt64:
		return len(v.Int64Values) == 1
	case ValueTypeInt64Vec:
		return len(v.Int64Values) > 0
	case ValueTypeFloat:
		return len(v.FloatValues) == 1
	case ValueTypeFloatVec:
		return len(v.FloatValues) > 0
	case ValueTypeString:
		return v.StringValue != ""
	case ValueTypeBytes:
		return len(v.BytesValue) > 0
	default:
		return false
	}
}

// NumericValues returns every numeric scalar carried by v, for range checking.
func (v Value) NumericValues() []float64 {
	out := make([]float64, 0, len(v.Int32Values)+len(v.Int64Values)+len(v.FloatValues))
	for _, x := range v.Int32Values {
		out = append(out, float64(x))
	}
	for _, x := range v.Int64Values {
		out = append(out, float64(x))
	}
	for _, x := range v.FloatValues {
		out = append(out, float64(x))
	}
	return out
}

// PropertyValue is a single (property, area, timestamp, value) sample, as both
// read and write payloads use.
type PropertyValue struct {
	PropID    PropertyID
	AreaID    AreaID
	Timestamp time.Time
	Value     Value
}

// ClientID is the callback identity a connected client is keyed by. The
// transport layer is responsible for minting one whose equality matches its
// own death-notification key.
type ClientID string

// RequestID is a client-scoped integer distinguishing requests within a
// client's in-flight set.
type RequestID int64

// GetRequest is one item of a getValues batch.
type GetRequest struct {
	RequestID RequestID
	PropID    PropertyID
	AreaID    AreaID
}

// SetRequest is one item of a setValues batch.
type SetRequest struct {
	RequestID RequestID
	Value     PropertyValue
}

// GetValueResult is the per-request outcome of a getValues call delivered
// through the callback channel.
type GetValueResult struct {
	RequestID RequestID
	Status    StatusCode
	Value     *PropertyValue
}

// SetValueResult is the per-request outcome of a setValues call delivered
// through the callback channel.
type SetValueResult struct {
	RequestID RequestID
	Status    StatusCode
}

// SubscribeOptions is one item of a subscribe call's option list.
type SubscribeOptions struct {
	PropID     PropertyID
	AreaIDs    []AreaID // empty expands to all configured areas
	SampleRate float64  // only meaningful for continuous properties
}

// PropertyEvent is a batch of values delivered to a subscriber, either because
// they changed (on-change) or because a poll tick fired (continuous).
type PropertyEvent struct {
	Values []PropertyValue
}

// PropertyErrors is a batch of asynchronous per-item set failures the hardware
// driver reported outside the normal setValues reply path.
type PropertyErrors struct {
	Errors []SetValueResult
}
