package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-vhal/vhal"
)

type capturingCallback struct {
	mu         sync.Mutex
	getCalls   [][]vhal.GetValueResult
	setCalls   [][]vhal.SetValueResult
}

func (c *capturingCallback) OnGetValues(results []vhal.GetValueResult) {
	c.mu.Lock()
	c.getCalls = append(c.getCalls, results)
	c.mu.Unlock()
}

func (c *capturingCallback) OnSetValues(results []vhal.SetValueResult) {
	c.mu.Lock()
	c.setCalls = append(c.setCalls, results)
	c.mu.Unlock()
}

func (c *capturingCallback) OnPropertyEvent(event vhal.PropertyEvent)   {}
func (c *capturingCallback) OnPropertySetError(errs vhal.PropertyErrors) {}

func (c *capturingCallback) getDeliveries() [][]vhal.GetValueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]vhal.GetValueResult(nil), c.getCalls...)
}

func (c *capturingCallback) setDeliveries() [][]vhal.SetValueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]vhal.SetValueResult(nil), c.setCalls...)
}

func newTestDispatcher(t *testing.T, timeout time.Duration) (*RequestDispatcher, *FakeHardwareDriver, *PendingRequestPool) {
	configs := NewPropertyConfigStore([]vhal.PropertyConfig{
		{PropID: 1, Global: true, ChangeMode: vhal.ChangeModeStatic, ValueType: vhal.ValueTypeInt32},
		{PropID: 2, Global: true, ChangeMode: vhal.ChangeModeStatic, ValueType: vhal.ValueTypeInt32,
			MinSampleRate: 0, MaxSampleRate: 0},
		{PropID: 3, ChangeMode: vhal.ChangeModeStatic, ValueType: vhal.ValueTypeInt32Vec,
			Areas: []vhal.AreaConfig{{AreaID: rowLeft, Range: rangeOf(0, 100)}}},
	})
	driver := NewFakeHardwareDriver(configs.All())
	pending := NewPendingRequestPool(timeout)
	return NewRequestDispatcher(configs, pending, driver), driver, pending
}

func TestDispatcherGetValuesHappyPath(t *testing.T) {
	d, driver, _ := newTestDispatcher(t, time.Second)
	driver.Seed(vhal.PropertyValue{PropID: 1, AreaID: vhal.GlobalArea, Value: vhal.Value{Int32Values: []int32{5}}})

	cb := &capturingCallback{}
	client := &GetClient{ClientID: "c1", Callback: cb}

	err := d.GetValues(client, []vhal.GetRequest{{RequestID: 1, PropID: 1, AreaID: vhal.GlobalArea}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(cb.getDeliveries()) == 1 }, time.Second, 5*time.Millisecond)
	results := cb.getDeliveries()[0]
	require.Len(t, results, 1)
	require.Equal(t, vhal.StatusOK, results[0].Status)
}

func TestDispatcherGetValuesAllInvalidDeliversImmediately(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Second)
	cb := &capturingCallback{}
	client := &GetClient{ClientID: "c1", Callback: cb}

	err := d.GetValues(client, []vhal.GetRequest{{RequestID: 1, PropID: 999, AreaID: vhal.GlobalArea}})
	require.NoError(t, err)
	require.Len(t, cb.getDeliveries(), 1)
	require.Equal(t, vhal.StatusInvalidArg, cb.getDeliveries()[0][0].Status)
}

func TestDispatcherGetValuesMixedBatchCombinesIntoOneDelivery(t *testing.T) {
	d, driver, _ := newTestDispatcher(t, time.Second)
	driver.Seed(vhal.PropertyValue{PropID: 1, AreaID: vhal.GlobalArea, Value: vhal.Value{Int32Values: []int32{5}}})

	cb := &capturingCallback{}
	client := &GetClient{ClientID: "c1", Callback: cb}

	err := d.GetValues(client, []vhal.GetRequest{
		{RequestID: 1, PropID: 1, AreaID: vhal.GlobalArea},
		{RequestID: 2, PropID: 999, AreaID: vhal.GlobalArea},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(cb.getDeliveries()) == 1 }, time.Second, 5*time.Millisecond)
	results := cb.getDeliveries()[0]
	require.Len(t, results, 2)
}

func TestDispatcherGetValuesDuplicateRequestIDRejectsBatch(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Second)
	cb := &capturingCallback{}
	client := &GetClient{ClientID: "c1", Callback: cb}

	err := d.GetValues(client, []vhal.GetRequest{
		{RequestID: 1, PropID: 1, AreaID: vhal.GlobalArea},
		{RequestID: 1, PropID: 2, AreaID: vhal.GlobalArea},
	})
	require.ErrorIs(t, err, vhal.ErrDuplicateInBatch)
	require.Empty(t, cb.getDeliveries())
}

func TestDispatcherGetValuesTimeoutDeliversTryAgain(t *testing.T) {
	d, driver, _ := newTestDispatcher(t, 30*time.Millisecond)
	driver.Latency = time.Second // never arrives before the deadline

	cb := &capturingCallback{}
	client := &GetClient{ClientID: "c1", Callback: cb}

	err := d.GetValues(client, []vhal.GetRequest{{RequestID: 1, PropID: 1, AreaID: vhal.GlobalArea}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(cb.getDeliveries()) == 1 }, time.Second, 5*time.Millisecond)
	results := cb.getDeliveries()[0]
	require.Len(t, results, 1)
	require.Equal(t, vhal.StatusTryAgain, results[0].Status)
}

func TestDispatcherSetValuesTypeMismatchDeliversInvalidArg(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Second)
	cb := &capturingCallback{}
	client := &SetClient{ClientID: "c1", Callback: cb}

	req := vhal.SetRequest{RequestID: 1, Value: vhal.PropertyValue{PropID: 3, AreaID: rowLeft, Value: vhal.Value{Int32Values: nil}}}
	err := d.SetValues(client, []vhal.SetRequest{req})
	require.NoError(t, err)
	require.Len(t, cb.setDeliveries(), 1)
	require.Equal(t, vhal.StatusInvalidArg, cb.setDeliveries()[0][0].Status)
}

func TestDispatcherSetValuesOutOfRangeDeliversInvalidArg(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Second)
	cb := &capturingCallback{}
	client := &SetClient{ClientID: "c1", Callback: cb}

	req := vhal.SetRequest{RequestID: 1, Value: vhal.PropertyValue{PropID: 3, AreaID: rowLeft, Value: vhal.Value{Int32Values: []int32{101}}}}
	err := d.SetValues(client, []vhal.SetRequest{req})
	require.NoError(t, err)
	require.Len(t, cb.setDeliveries(), 1)
	require.Equal(t, vhal.StatusInvalidArg, cb.setDeliveries()[0][0].Status)
}

func TestDispatcherSetValuesInRangeSucceeds(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Second)
	cb := &capturingCallback{}
	client := &SetClient{ClientID: "c1", Callback: cb}

	req := vhal.SetRequest{RequestID: 1, Value: vhal.PropertyValue{PropID: 3, AreaID: rowLeft, Value: vhal.Value{Int32Values: []int32{50}}}}
	err := d.SetValues(client, []vhal.SetRequest{req})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(cb.setDeliveries()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, vhal.StatusOK, cb.setDeliveries()[0][0].Status)
}

func TestDispatcherGetValuesSynchronousHardwareFailureRollsBack(t *testing.T) {
	d, driver, pending := newTestDispatcher(t, time.Second)
	driver.FailSync = true

	cb := &capturingCallback{}
	client := &GetClient{ClientID: "c1", Callback: cb}

	err := d.GetValues(client, []vhal.GetRequest{{RequestID: 1, PropID: 1, AreaID: vhal.GlobalArea}})
	require.Error(t, err)
	require.Equal(t, 0, pending.Count(), "a synchronous hardware failure must roll back its pending entries")
	require.Empty(t, cb.getDeliveries())
}
