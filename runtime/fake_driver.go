package runtime

import (
	"sync"
	"time"

	"github.com/go-vhal/vhal"
)

// FakeHardwareDriver is an in-memory HardwareDriver for tests and local
// development. It answers getValues from the last value written or seeded
// for each (property, area), and can inject latency, a per-property item
// failure, or a whole-batch synchronous rejection to exercise the engine's
// timeout, per-item-failure and synchronous-failure paths.
type FakeHardwareDriver struct {
	mu      sync.Mutex
	configs []vhal.PropertyConfig
	values  map[subscriptionKey]vhal.PropertyValue
	onChange func(vhal.PropertyValue)

	// Latency, if set, delays every GetValues/SetValues reply by this
	// duration before calling onReply.
	Latency time.Duration

	// FailProp, if non-zero, makes every item touching that property id
	// fail with StatusInternalError instead of succeeding.
	FailProp vhal.PropertyID

	// FailSync, if set, makes GetValues/SetValues reject the whole batch
	// synchronously instead of replying through onReply at all.
	FailSync bool
}

// NewFakeHardwareDriver builds a driver reporting configs as its property
// table. Use Seed to give properties an initial value.
func NewFakeHardwareDriver(configs []vhal.PropertyConfig) *FakeHardwareDriver {
	return &FakeHardwareDriver{configs: configs, values: make(map[subscriptionKey]vhal.PropertyValue)}
}

func (f *FakeHardwareDriver) GetAllPropertyConfigs() ([]vhal.PropertyConfig, error) {
	return append([]vhal.PropertyConfig(nil), f.configs...), nil
}

// Seed sets the current value for value's (property, area) without going
// through SetValues or notifying subscribers.
func (f *FakeHardwareDriver) Seed(value vhal.PropertyValue) {
	f.mu.Lock()
	f.values[subscriptionKey{PropID: value.PropID, AreaID: value.AreaID}] = value
	f.mu.Unlock()
}

// InjectChange simulates a hardware-initiated change notification, as a
// real driver would deliver through its own wire protocol.
func (f *FakeHardwareDriver) InjectChange(value vhal.PropertyValue) {
	f.mu.Lock()
	f.values[subscriptionKey{PropID: value.PropID, AreaID: value.AreaID}] = value
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn(value)
	}
}

func (f *FakeHardwareDriver) GetValues(reqs []vhal.GetRequest, onReply func([]vhal.GetValueResult)) vhal.StatusCode {
	if f.FailSync {
		return vhal.StatusInternalError
	}
	go func() {
		if f.Latency > 0 {
			time.Sleep(f.Latency)
		}
		results := make([]vhal.GetValueResult, len(reqs))
		f.mu.Lock()
		for i, r := range reqs {
			if f.FailProp != 0 && r.PropID == f.FailProp {
				results[i] = vhal.GetValueResult{RequestID: r.RequestID, Status: vhal.StatusInternalError}
				continue
			}
			value, ok := f.values[subscriptionKey{PropID: r.PropID, AreaID: r.AreaID}]
			if !ok {
				value = vhal.PropertyValue{PropID: r.PropID, AreaID: r.AreaID, Timestamp: time.Now()}
			}
			v := value
			results[i] = vhal.GetValueResult{RequestID: r.RequestID, Status: vhal.StatusOK, Value: &v}
		}
		f.mu.Unlock()
		onReply(results)
	}()
	return vhal.StatusOK
}

func (f *FakeHardwareDriver) SetValues(reqs []vhal.SetRequest, onReply func([]vhal.SetValueResult)) vhal.StatusCode {
	if f.FailSync {
		return vhal.StatusInternalError
	}
	go func() {
		if f.Latency > 0 {
			time.Sleep(f.Latency)
		}
		results := make([]vhal.SetValueResult, len(reqs))
		f.mu.Lock()
		for i, r := range reqs {
			if f.FailProp != 0 && r.Value.PropID == f.FailProp {
				results[i] = vhal.SetValueResult{RequestID: r.RequestID, Status: vhal.StatusInternalError}
				continue
			}
			v := r.Value
			v.Timestamp = time.Now()
			f.values[subscriptionKey{PropID: v.PropID, AreaID: v.AreaID}] = v
			results[i] = vhal.SetValueResult{RequestID: r.RequestID, Status: vhal.StatusOK}
		}
		f.mu.Unlock()
		onReply(results)
	}()
	return vhal.StatusOK
}

func (f *FakeHardwareDriver) RegisterOnPropertyChangeCallback(fn func(vhal.PropertyValue)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}
