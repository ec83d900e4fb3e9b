package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-vhal/vhal"
)

// fakeCallback records every delivery for one client, guarded by a mutex
// since deliveries can arrive from the hardware goroutine, the timeout
// timer, or the poll loop concurrently.
type fakeCallback struct {
	mu         sync.Mutex
	getResults [][]vhal.GetValueResult
	setResults [][]vhal.SetValueResult
	events     []vhal.PropertyEvent
	setErrors  []vhal.PropertyErrors
}

func (c *fakeCallback) OnGetValues(results []vhal.GetValueResult) {
	c.mu.Lock()
	c.getResults = append(c.getResults, results)
	c.mu.Unlock()
}

func (c *fakeCallback) OnSetValues(results []vhal.SetValueResult) {
	c.mu.Lock()
	c.setResults = append(c.setResults, results)
	c.mu.Unlock()
}

func (c *fakeCallback) OnPropertyEvent(event vhal.PropertyEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *fakeCallback) OnPropertySetError(errs vhal.PropertyErrors) {
	c.mu.Lock()
	c.setErrors = append(c.setErrors, errs)
	c.mu.Unlock()
}

func (c *fakeCallback) allGetResults() []vhal.GetValueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]vhal.GetValueResult, 0)
	for _, batch := range c.getResults {
		out = append(out, batch...)
	}
	return out
}

func (c *fakeCallback) allSetResults() []vhal.SetValueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]vhal.SetValueResult, 0)
	for _, batch := range c.setResults {
		out = append(out, batch...)
	}
	return out
}

func (c *fakeCallback) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		n += len(e.Values)
	}
	return n
}

func (c *fakeCallback) eventsSnapshot() []vhal.PropertyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]vhal.PropertyEvent(nil), c.events...)
}

func rangeOf(min, max float64) *vhal.Range { return &vhal.Range{Min: &min, Max: &max} }

const (
	rowLeft  vhal.AreaID = 1
	rowRight vhal.AreaID = 2
)

func tenScalarConfigs() []vhal.PropertyConfig {
	configs := make([]vhal.PropertyConfig, 10)
	for i := range configs {
		configs[i] = vhal.PropertyConfig{
			PropID:     vhal.PropertyID(100 + i),
			ChangeMode: vhal.ChangeModeStatic,
			ValueType:  vhal.ValueTypeInt32Vec,
			Global:     true,
		}
	}
	return configs
}

func mockInt32Vec() vhal.Value { return vhal.Value{Int32Values: []int32{1, 2, 3, 4}} }

func newTestEngine(t *testing.T, configs []vhal.PropertyConfig, opts vhal.Options) (*Engine, *FakeHardwareDriver) {
	driver := NewFakeHardwareDriver(configs)
	e, err := NewEngine(driver, opts)
	require.NoError(t, err)
	return e, driver
}

// TestEngineSmallGet gets 10 distinct properties in one batch, request ids
// 0..9, and expects all of them delivered OK with the seeded value.
func TestEngineSmallGet(t *testing.T) {
	configs := tenScalarConfigs()
	e, driver := newTestEngine(t, configs, vhal.DefaultOptions())
	for _, c := range configs {
		driver.Seed(vhal.PropertyValue{PropID: c.PropID, AreaID: vhal.GlobalArea, Value: mockInt32Vec()})
	}

	cb := &fakeCallback{}
	getClient, _, _ := e.Clients.GetOrCreate("client-1", cb)

	reqs := make([]vhal.GetRequest, len(configs))
	for i, c := range configs {
		reqs[i] = vhal.GetRequest{RequestID: vhal.RequestID(i), PropID: c.PropID, AreaID: vhal.GlobalArea}
	}
	require.NoError(t, e.Dispatcher.GetValues(getClient, reqs))

	require.Eventually(t, func() bool { return len(cb.allGetResults()) == 10 }, time.Second, 5*time.Millisecond)
	for _, r := range cb.allGetResults() {
		require.Equal(t, vhal.StatusOK, r.Status)
		require.NotNil(t, r.Value)
		require.Equal(t, []int32{1, 2, 3, 4}, r.Value.Value.Int32Values)
	}
	require.Equal(t, 1, e.Clients.Count())
}

// TestEngineLargeSetSpillsToSharedMemory sets 5,000 properties at once and
// checks that encoding the resulting reply batch crosses
// LargeParcelableCodec's spill threshold.
func TestEngineLargeSetSpillsToSharedMemory(t *testing.T) {
	const n = 5000
	configs := make([]vhal.PropertyConfig, n)
	for i := range configs {
		configs[i] = vhal.PropertyConfig{PropID: vhal.PropertyID(1000 + i), ChangeMode: vhal.ChangeModeStatic, ValueType: vhal.ValueTypeInt32Vec, Global: true}
	}
	opts := vhal.DefaultOptions()
	e, _ := newTestEngine(t, configs, opts)

	cb := &fakeCallback{}
	_, setClient, _ := e.Clients.GetOrCreate("client-1", cb)

	reqs := make([]vhal.SetRequest, n)
	for i, c := range configs {
		reqs[i] = vhal.SetRequest{RequestID: vhal.RequestID(i), Value: vhal.PropertyValue{PropID: c.PropID, AreaID: vhal.GlobalArea, Value: mockInt32Vec()}}
	}
	require.NoError(t, e.Dispatcher.SetValues(setClient, reqs))

	require.Eventually(t, func() bool { return len(cb.allSetResults()) == n }, 2*time.Second, 10*time.Millisecond)

	delivered := cb.allSetResults()
	require.Len(t, delivered, n)
	for _, r := range delivered {
		require.Equal(t, vhal.StatusOK, r.Status)
	}

	parcel, err := e.Codec.EncodeSetResults("client-1", delivered)
	require.NoError(t, err)
	require.True(t, parcel.Large)
	require.Empty(t, parcel.Inline)
}

// TestEngineTimeoutDeliversTryAgain sets a 100ms pending-request timeout
// against a 200ms hardware sleep and expects TRY_AGAIN for every request,
// with no duplicate delivery once the late reply finally arrives.
func TestEngineTimeoutDeliversTryAgain(t *testing.T) {
	configs := tenScalarConfigs()
	opts := vhal.DefaultOptions()
	opts.PendingRequestTimeout = 100 * time.Millisecond
	e, driver := newTestEngine(t, configs, opts)
	driver.Latency = 200 * time.Millisecond

	cb := &fakeCallback{}
	getClient, _, _ := e.Clients.GetOrCreate("client-1", cb)

	reqs := make([]vhal.GetRequest, 10)
	for i, c := range configs {
		reqs[i] = vhal.GetRequest{RequestID: vhal.RequestID(i), PropID: c.PropID, AreaID: vhal.GlobalArea}
	}
	require.NoError(t, e.Dispatcher.GetValues(getClient, reqs))

	require.Eventually(t, func() bool { return len(cb.allGetResults()) == 10 }, time.Second, 5*time.Millisecond)
	for _, r := range cb.allGetResults() {
		require.Equal(t, vhal.StatusTryAgain, r.Status)
		require.Nil(t, r.Value)
	}

	time.Sleep(250 * time.Millisecond)
	require.Len(t, cb.allGetResults(), 10, "late hardware reply must not deliver a second time")
}

// TestEngineDuplicateRequestIDInFlight submits a second GetValues batch
// reusing a request id still in flight from the first and expects it
// rejected outright rather than silently overwriting the pending entry.
func TestEngineDuplicateRequestIDInFlight(t *testing.T) {
	configs := tenScalarConfigs()
	opts := vhal.DefaultOptions()
	e, driver := newTestEngine(t, configs, opts)
	driver.Latency = 200 * time.Millisecond

	cb := &fakeCallback{}
	getClient, _, _ := e.Clients.GetOrCreate("client-1", cb)

	first := []vhal.GetRequest{{RequestID: 0, PropID: configs[0].PropID, AreaID: vhal.GlobalArea}}
	require.NoError(t, e.Dispatcher.GetValues(getClient, first))

	second := []vhal.GetRequest{{RequestID: 0, PropID: configs[1].PropID, AreaID: vhal.GlobalArea}}
	err := e.Dispatcher.GetValues(getClient, second)
	require.Error(t, err)
}

// TestEngineOnChangeAreaFiltered checks that only the area that changed is
// delivered, and only to a subscriber of that exact area.
func TestEngineOnChangeAreaFiltered(t *testing.T) {
	configs := []vhal.PropertyConfig{{
		PropID:     200,
		ChangeMode: vhal.ChangeModeOnChange,
		ValueType:  vhal.ValueTypeInt32Vec,
		Areas:      []vhal.AreaConfig{{AreaID: rowLeft}, {AreaID: rowRight}},
	}}
	e, driver := newTestEngine(t, configs, vhal.DefaultOptions())

	cb := &fakeCallback{}
	_, _, subClient := e.Clients.GetOrCreate("client-1", cb)
	require.NoError(t, e.Subscriptions.Subscribe("client-1", subClient, []vhal.SubscribeOptions{
		{PropID: 200, AreaIDs: []vhal.AreaID{rowLeft}},
	}))

	driver.InjectChange(vhal.PropertyValue{PropID: 200, AreaID: rowLeft, Value: mockInt32Vec()})
	driver.InjectChange(vhal.PropertyValue{PropID: 200, AreaID: rowRight, Value: mockInt32Vec()})

	require.Eventually(t, func() bool { return cb.eventCount() == 1 }, time.Second, 5*time.Millisecond)
	events := cb.eventsSnapshot()
	require.Len(t, events, 1)
	require.Equal(t, rowLeft, events[0].Values[0].AreaID)
}

// TestEngineContinuousAtTwoRates subscribes two areas of the same
// continuous property at different rates and checks each is routed at
// roughly its own rate rather than the other's.
func TestEngineContinuousAtTwoRates(t *testing.T) {
	configs := []vhal.PropertyConfig{{
		PropID:        300,
		ChangeMode:    vhal.ChangeModeContinuous,
		ValueType:     vhal.ValueTypeInt32Vec,
		Areas:         []vhal.AreaConfig{{AreaID: rowLeft}, {AreaID: rowRight}},
		MinSampleRate: 1,
		MaxSampleRate: 50,
	}}
	opts := vhal.DefaultOptions()
	opts.PollJitter = 0
	e, driver := newTestEngine(t, configs, opts)
	driver.Seed(vhal.PropertyValue{PropID: 300, AreaID: rowLeft, Value: mockInt32Vec()})
	driver.Seed(vhal.PropertyValue{PropID: 300, AreaID: rowRight, Value: mockInt32Vec()})

	cb := &fakeCallback{}
	_, _, subClient := e.Clients.GetOrCreate("client-1", cb)
	require.NoError(t, e.Subscriptions.Subscribe("client-1", subClient, []vhal.SubscribeOptions{
		{PropID: 300, AreaIDs: []vhal.AreaID{rowLeft}, SampleRate: 20},
		{PropID: 300, AreaIDs: []vhal.AreaID{rowRight}, SampleRate: 10},
	}))

	time.Sleep(time.Second)

	left, right := 0, 0
	for _, ev := range cb.eventsSnapshot() {
		for _, v := range ev.Values {
			switch v.AreaID {
			case rowLeft:
				left++
			case rowRight:
				right++
			}
		}
	}
	require.GreaterOrEqual(t, left, 15)
	require.GreaterOrEqual(t, right, 5)

	e.Subscriptions.CancelClient("client-1")
}

// TestEngineUnsubscribeStopsDelivery checks that no further events arrive
// once a continuous subscription has been canceled.
func TestEngineUnsubscribeStopsDelivery(t *testing.T) {
	configs := []vhal.PropertyConfig{{
		PropID:        400,
		ChangeMode:    vhal.ChangeModeContinuous,
		ValueType:     vhal.ValueTypeInt32Vec,
		Global:        true,
		MinSampleRate: 1,
		MaxSampleRate: 50,
	}}
	opts := vhal.DefaultOptions()
	opts.PollJitter = 0
	e, driver := newTestEngine(t, configs, opts)
	driver.Seed(vhal.PropertyValue{PropID: 400, AreaID: vhal.GlobalArea, Value: mockInt32Vec()})

	cb := &fakeCallback{}
	_, _, subClient := e.Clients.GetOrCreate("client-1", cb)
	require.NoError(t, e.Subscriptions.Subscribe("client-1", subClient, []vhal.SubscribeOptions{
		{PropID: 400, SampleRate: 20},
	}))

	require.Eventually(t, func() bool { return cb.eventCount() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Subscriptions.Unsubscribe("client-1", []vhal.PropertyID{400}))

	time.Sleep(50 * time.Millisecond)
	before := cb.eventCount()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, cb.eventCount(), "no further events after unsubscribe")
}

// TestEngineInvalidInputsYieldInvalidArg checks a table of malformed
// requests and subscriptions, each expected to fail with INVALID_ARG (or
// its equivalent error) rather than succeed or crash the engine.
func TestEngineInvalidInputsYieldInvalidArg(t *testing.T) {
	areaScoped := vhal.PropertyConfig{
		PropID:     500,
		ChangeMode: vhal.ChangeModeContinuous,
		ValueType:  vhal.ValueTypeInt32Vec,
		Areas:      []vhal.AreaConfig{{AreaID: rowLeft, Range: rangeOf(0, 100)}},
		MaxSampleRate: 100,
		MinSampleRate: 1,
	}
	staticProp := vhal.PropertyConfig{PropID: 600, ChangeMode: vhal.ChangeModeStatic, ValueType: vhal.ValueTypeInt32Vec, Global: true}
	configs := []vhal.PropertyConfig{areaScoped, staticProp}

	e, _ := newTestEngine(t, configs, vhal.DefaultOptions())
	cb := &fakeCallback{}
	getClient, setClient, subClient := e.Clients.GetOrCreate("client-1", cb)

	t.Run("unknown prop", func(t *testing.T) {
		err := e.Dispatcher.GetValues(getClient, []vhal.GetRequest{{RequestID: 1, PropID: 0, AreaID: vhal.GlobalArea}})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return len(cb.allGetResults()) >= 1 }, time.Second, 5*time.Millisecond)
		require.Equal(t, vhal.StatusInvalidArg, cb.allGetResults()[len(cb.allGetResults())-1].Status)
	})

	t.Run("missing value", func(t *testing.T) {
		before := len(cb.allSetResults())
		req := vhal.SetRequest{RequestID: 2, Value: vhal.PropertyValue{PropID: 500, AreaID: rowLeft, Value: vhal.Value{}}}
		require.NoError(t, e.Dispatcher.SetValues(setClient, []vhal.SetRequest{req}))
		require.Eventually(t, func() bool { return len(cb.allSetResults()) > before }, time.Second, 5*time.Millisecond)
		results := cb.allSetResults()
		require.Equal(t, vhal.StatusInvalidArg, results[len(results)-1].Status)
	})

	t.Run("out-of-range", func(t *testing.T) {
		before := len(cb.allSetResults())
		req := vhal.SetRequest{RequestID: 3, Value: vhal.PropertyValue{PropID: 500, AreaID: rowLeft, Value: vhal.Value{Int32Values: []int32{-1}}}}
		require.NoError(t, e.Dispatcher.SetValues(setClient, []vhal.SetRequest{req}))
		require.Eventually(t, func() bool { return len(cb.allSetResults()) > before }, time.Second, 5*time.Millisecond)
		results := cb.allSetResults()
		require.Equal(t, vhal.StatusInvalidArg, results[len(results)-1].Status)
	})

	t.Run("wrong area", func(t *testing.T) {
		before := len(cb.allGetResults())
		req := vhal.GetRequest{RequestID: 4, PropID: 500, AreaID: vhal.GlobalArea}
		require.NoError(t, e.Dispatcher.GetValues(getClient, []vhal.GetRequest{req}))
		require.Eventually(t, func() bool { return len(cb.allGetResults()) > before }, time.Second, 5*time.Millisecond)
		results := cb.allGetResults()
		require.Equal(t, vhal.StatusInvalidArg, results[len(results)-1].Status)
	})

	t.Run("zero sample rate", func(t *testing.T) {
		err := e.Subscriptions.Subscribe("client-1", subClient, []vhal.SubscribeOptions{{PropID: 500, AreaIDs: []vhal.AreaID{rowLeft}, SampleRate: 0}})
		require.ErrorIs(t, err, vhal.ErrInvalidSampleRate)
	})

	t.Run("rate too high", func(t *testing.T) {
		err := e.Subscriptions.Subscribe("client-1", subClient, []vhal.SubscribeOptions{{PropID: 500, AreaIDs: []vhal.AreaID{rowLeft}, SampleRate: 1000}})
		require.ErrorIs(t, err, vhal.ErrInvalidSampleRate)
	})

	t.Run("static subscribe", func(t *testing.T) {
		err := e.Subscriptions.Subscribe("client-1", subClient, []vhal.SubscribeOptions{{PropID: 600}})
		require.ErrorIs(t, err, vhal.ErrStaticProperty)
	})
}

// TestEngineClientDeathCancelsEverything checks that a transport death
// notification cancels pending requests (no timeout fire) and removes
// subscriptions for that client.
func TestEngineClientDeathCancelsEverything(t *testing.T) {
	configs := []vhal.PropertyConfig{{
		PropID:        700,
		ChangeMode:    vhal.ChangeModeContinuous,
		ValueType:     vhal.ValueTypeInt32Vec,
		Global:        true,
		MinSampleRate: 1,
		MaxSampleRate: 50,
	}}
	opts := vhal.DefaultOptions()
	opts.PendingRequestTimeout = 5 * time.Second
	e, driver := newTestEngine(t, configs, opts)
	driver.Latency = 2 * time.Second

	cb := &fakeCallback{}
	getClient, _, subClient := e.Clients.GetOrCreate("client-1", cb)
	require.NoError(t, e.Subscriptions.Subscribe("client-1", subClient, []vhal.SubscribeOptions{{PropID: 700, SampleRate: 20}}))
	require.NoError(t, e.Dispatcher.GetValues(getClient, []vhal.GetRequest{{RequestID: 1, PropID: 700, AreaID: vhal.GlobalArea}}))

	require.Equal(t, 1, e.Pending.Count())
	require.Equal(t, 1, e.Subscriptions.SubscriberCount())

	e.Clients.NotifyDeath("client-1")

	require.Equal(t, 0, e.Pending.Count())
	require.Equal(t, 0, e.Subscriptions.SubscriberCount())
	require.Empty(t, cb.allGetResults(), "a dead client's callback must never fire afterwards")

	time.Sleep(200 * time.Millisecond)
	require.Empty(t, cb.allGetResults())
}
