package runtime

import (
	"sync/atomic"

	"github.com/go-vhal/vhal"
)

// RequestDispatcher is the front door for getValues/setValues: it validates
// a batch, splits it into items the hardware driver never needs to see and
// items worth forwarding, registers the latter with a PendingRequestPool,
// and guarantees each request id produces exactly one terminal result
// delivered through the client's Callback.
type RequestDispatcher struct {
	configs *PropertyConfigStore
	pending *PendingRequestPool
	driver  HardwareDriver
}

// NewRequestDispatcher builds a dispatcher over the given collaborators.
func NewRequestDispatcher(configs *PropertyConfigStore, pending *PendingRequestPool, driver HardwareDriver) *RequestDispatcher {
	return &RequestDispatcher{configs: configs, pending: pending, driver: driver}
}

// GetValues validates and dispatches one getValues batch on behalf of
// client. Its return value is the call's synchronous outcome; per-request
// results are delivered later (or, for an all-invalid batch, immediately)
// through client.Callback.OnGetValues.
func (d *RequestDispatcher) GetValues(client *GetClient, reqs []vhal.GetRequest) error {
	if client == nil || client.Callback == nil {
		return vhal.ErrNilCallback
	}
	if err := checkUniqueRequestIDs(reqIDsOfGets(reqs)); err != nil {
		return err
	}
	if err := checkUniquePropIDsOfGets(reqs); err != nil {
		return err
	}

	valid := make([]vhal.GetRequest, 0, len(reqs))
	invalid := make([]vhal.GetValueResult, 0)
	for _, r := range reqs {
		cfg, ok := d.configs.Lookup(r.PropID)
		if !ok {
			invalid = append(invalid, vhal.GetValueResult{RequestID: r.RequestID, Status: vhal.StatusInvalidArg})
			continue
		}
		if err := validateArea(cfg, r.AreaID); err != nil {
			invalid = append(invalid, vhal.GetValueResult{RequestID: r.RequestID, Status: vhal.StatusInvalidArg})
			continue
		}
		valid = append(valid, r)
	}

	if len(valid) == 0 {
		client.Callback.OnGetValues(invalid)
		return nil
	}

	// invalidSent guards against re-delivering the precomputed invalid
	// results: a late hardware reply that resolves only part of the batch
	// and a subsequent timeout covering the rest must combine into results
	// that, together, cover every id in the batch exactly once, not each
	// independently claim the invalid subset.
	var invalidSent atomic.Bool
	deliver := func(results []vhal.GetValueResult) {
		if invalidSent.CompareAndSwap(false, true) {
			results = append(append(make([]vhal.GetValueResult, 0, len(invalid)+len(results)), invalid...), results...)
		}
		if len(results) == 0 {
			return
		}
		client.Callback.OnGetValues(results)
	}

	validIDs := reqIDsOfGets(valid)
	if err := d.pending.TryAdd(client.ClientID, PendingGet, validIDs, func(entries []PendingEntry) {
		deliver(timeoutGetResults(entries))
	}); err != nil {
		return err
	}

	status := d.driver.GetValues(valid, func(results []vhal.GetValueResult) {
		final := make([]vhal.GetValueResult, 0, len(results))
		for _, res := range results {
			if _, ok := d.pending.Resolve(client.ClientID, res.RequestID); ok {
				final = append(final, res)
			}
		}
		deliver(final)
	})
	if status != vhal.StatusOK {
		d.pending.CancelIDs(client.ClientID, validIDs)
		return vhal.StatusError(status)
	}
	return nil
}

// SetValues validates and dispatches one setValues batch on behalf of
// client, mirroring GetValues' combine-once delivery guarantee.
func (d *RequestDispatcher) SetValues(client *SetClient, reqs []vhal.SetRequest) error {
	if client == nil || client.Callback == nil {
		return vhal.ErrNilCallback
	}
	if err := checkUniqueRequestIDs(reqIDsOfSets(reqs)); err != nil {
		return err
	}
	if err := checkUniquePropIDsOfSets(reqs); err != nil {
		return err
	}

	valid := make([]vhal.SetRequest, 0, len(reqs))
	invalid := make([]vhal.SetValueResult, 0)
	for _, r := range reqs {
		cfg, ok := d.configs.Lookup(r.Value.PropID)
		if !ok {
			invalid = append(invalid, vhal.SetValueResult{RequestID: r.RequestID, Status: vhal.StatusInvalidArg})
			continue
		}
		if err := validateArea(cfg, r.Value.AreaID); err != nil {
			invalid = append(invalid, vhal.SetValueResult{RequestID: r.RequestID, Status: vhal.StatusInvalidArg})
			continue
		}
		if err := validateSetValue(cfg, r.Value.AreaID, r.Value.Value); err != nil {
			invalid = append(invalid, vhal.SetValueResult{RequestID: r.RequestID, Status: vhal.StatusInvalidArg})
			continue
		}
		valid = append(valid, r)
	}

	if len(valid) == 0 {
		client.Callback.OnSetValues(invalid)
		return nil
	}

	var invalidSent atomic.Bool
	deliver := func(results []vhal.SetValueResult) {
		if invalidSent.CompareAndSwap(false, true) {
			results = append(append(make([]vhal.SetValueResult, 0, len(invalid)+len(results)), invalid...), results...)
		}
		if len(results) == 0 {
			return
		}
		client.Callback.OnSetValues(results)
	}

	validIDs := reqIDsOfSets(valid)
	if err := d.pending.TryAdd(client.ClientID, PendingSet, validIDs, func(entries []PendingEntry) {
		deliver(timeoutSetResults(entries))
	}); err != nil {
		return err
	}

	status := d.driver.SetValues(valid, func(results []vhal.SetValueResult) {
		final := make([]vhal.SetValueResult, 0, len(results))
		for _, res := range results {
			if _, ok := d.pending.Resolve(client.ClientID, res.RequestID); ok {
				final = append(final, res)
			}
		}
		deliver(final)
	})
	if status != vhal.StatusOK {
		d.pending.CancelIDs(client.ClientID, validIDs)
		return vhal.StatusError(status)
	}
	return nil
}
