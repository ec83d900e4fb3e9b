package runtime

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/go-vhal/vhal"
)

// Engine wires every internal collaborator into one running instance: the
// property table, the in-flight request pool, the subscription manager, the
// client registry, the dispatcher, and whichever HardwareDriver backs them.
// Building one is the last step before handing it to a transport.
type Engine struct {
	opts   vhal.Options
	logger logrus.FieldLogger

	Driver       HardwareDriver
	Configs      *PropertyConfigStore
	Pending      *PendingRequestPool
	Subscriptions *SubscriptionManager
	Clients      *ClientRegistry
	Dispatcher   *RequestDispatcher
	SharedMemory *SharedMemoryPool
	Codec        *LargeParcelableCodec

	wg conc.WaitGroup
}

// NewEngine loads driver's property table and wires every collaborator
// around it. The driver's RegisterOnPropertyChangeCallback is bound to the
// subscription manager and, through the client registry's death hook, a
// dying client's pending requests and subscriptions are torn down together.
func NewEngine(driver HardwareDriver, opts vhal.Options) (*Engine, error) {
	logger := logrus.StandardLogger()
	configs, err := driver.GetAllPropertyConfigs()
	if err != nil {
		return nil, err
	}
	logger.WithField("count", len(configs)).Info("loaded property table from hardware driver")
	configStore := NewPropertyConfigStore(configs)
	pending := NewPendingRequestPool(opts.PendingRequestTimeout)
	clients := NewClientRegistry()
	shm := NewSharedMemoryPool(opts.MaxSharedMemoryFileCount)
	codec := NewLargeParcelableCodec(opts.InlinePayloadThreshold, shm)
	dispatcher := NewRequestDispatcher(configStore, pending, driver)

	fetch := func(ctx context.Context, propID vhal.PropertyID, areaID vhal.AreaID) (vhal.PropertyValue, vhal.StatusCode) {
		return fetchOnce(ctx, driver, propID, areaID)
	}
	subs := NewSubscriptionManager(configStore, fetch, opts.PollJitter)

	driver.RegisterOnPropertyChangeCallback(subs.OnHardwareChange)

	e := &Engine{
		opts:          opts,
		logger:        logger,
		Driver:        driver,
		Configs:       configStore,
		Pending:       pending,
		Subscriptions: subs,
		Clients:       clients,
		Dispatcher:    dispatcher,
		SharedMemory:  shm,
		Codec:         codec,
	}

	clients.OnDeath(func(clientID vhal.ClientID) {
		logger.WithField("client", clientID).Info("client died; tearing down pending requests, subscriptions and shared memory")
		pending.CancelClient(clientID)
		subs.CancelClient(clientID)
		shm.ReleaseClient(clientID)
	})

	return e, nil
}

// fetchOnce blocks until driver.GetValues replies for a single (propID,
// areaID) or ctx is canceled, for SubscriptionManager's poll loop. It
// bypasses RequestDispatcher and PendingRequestPool: the pair was already
// validated when the subscription was installed, so there is nothing left
// to check and no client-visible request id to correlate.
func fetchOnce(ctx context.Context, driver HardwareDriver, propID vhal.PropertyID, areaID vhal.AreaID) (vhal.PropertyValue, vhal.StatusCode) {
	type outcome struct {
		value  vhal.PropertyValue
		status vhal.StatusCode
	}
	ch := make(chan outcome, 1)
	status := driver.GetValues([]vhal.GetRequest{{RequestID: 0, PropID: propID, AreaID: areaID}}, func(results []vhal.GetValueResult) {
		if len(results) == 0 {
			ch <- outcome{status: vhal.StatusInternalError}
			return
		}
		r := results[0]
		if r.Status != vhal.StatusOK || r.Value == nil {
			ch <- outcome{status: r.Status}
			return
		}
		ch <- outcome{value: *r.Value, status: vhal.StatusOK}
	})
	if status != vhal.StatusOK {
		return vhal.PropertyValue{}, status
	}
	select {
	case <-ctx.Done():
		return vhal.PropertyValue{}, vhal.StatusTryAgain
	case out := <-ch:
		return out.value, out.status
	case <-time.After(5 * time.Second):
		return vhal.PropertyValue{}, vhal.StatusTryAgain
	}
}

// GetAllPropConfigs returns the property table loaded at startup. It never
// fails once the engine exists.
func (e *Engine) GetAllPropConfigs() []vhal.PropertyConfig {
	return e.Configs.All()
}

// Connect, if the engine's driver supports it (RemoteHardwareDriver does),
// dials the hardware daemon before the engine starts serving clients.
func (e *Engine) Connect(ctx context.Context) error {
	type connector interface{ Connect(context.Context) error }
	if c, ok := e.Driver.(connector); ok {
		if err := c.Connect(ctx); err != nil {
			e.logger.WithError(err).Error("hardware driver connect failed")
			return err
		}
		e.logger.Info("hardware driver connected")
	}
	return nil
}

// Start connects the driver on a supervised goroutine and returns at once;
// that goroutine stays alive until ctx is canceled. A panic in the connect goroutine is re-raised from Wait
// rather than silently killing the process, matching conc's supervised
// worker-group convention.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Go(func() {
		if err := e.Connect(ctx); err != nil {
			return
		}
		<-ctx.Done()
	})
}

// Wait blocks until every goroutine started by Start has returned,
// re-raising any panic one of them recorded.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown releases every resource the engine does not hand off to its
// transport: outstanding shared-memory regions and, if the driver is
// connectable, its connection. Pending requests and subscriptions are
// per-client and are expected to have already been torn down through
// ClientRegistry's death hooks as clients disconnected.
func (e *Engine) Shutdown() error {
	type closer interface{ Close() error }
	var err error
	if c, ok := e.Driver.(closer); ok {
		err = c.Close()
	}
	e.SharedMemory.mu.Lock()
	owners := make([]vhal.ClientID, 0, len(e.SharedMemory.byOwner))
	for clientID := range e.SharedMemory.byOwner {
		owners = append(owners, clientID)
	}
	e.SharedMemory.mu.Unlock()
	for _, clientID := range owners {
		e.SharedMemory.ReleaseClient(clientID)
	}
	e.wg.Wait()
	return err
}
