package runtime

import "github.com/go-vhal/vhal"

// HardwareDriver is the pluggable sink/source of property configs and
// get/set callbacks that the engine mediates client access to. GetValues
// and SetValues reply asynchronously via onReply; their return value
// reflects only synchronous submission failure.
type HardwareDriver interface {
	GetAllPropertyConfigs() ([]vhal.PropertyConfig, error)
	GetValues(reqs []vhal.GetRequest, onReply func([]vhal.GetValueResult)) vhal.StatusCode
	SetValues(reqs []vhal.SetRequest, onReply func([]vhal.SetValueResult)) vhal.StatusCode
	RegisterOnPropertyChangeCallback(fn func(vhal.PropertyValue))
}
