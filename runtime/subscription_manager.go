package runtime

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-vhal/vhal"
)

type subscriptionKey struct {
	PropID vhal.PropertyID
	AreaID vhal.AreaID
}

type subscriberEntry struct {
	ClientID vhal.ClientID
	Sub      *SubscriptionClient
	Mode     vhal.ChangeMode
	Rate     float64 // only meaningful when Mode is continuous
}

type pollJob struct {
	rate   float64
	cancel context.CancelFunc
}

type areaBucket struct {
	mu          sync.Mutex
	subscribers map[vhal.ClientID]*subscriberEntry
	poll        *pollJob // nil unless a continuous subscriber is present
}

// ValueFetcher issues one internal getValues to the hardware driver for a
// single (property, area) and waits for its reply. SubscriptionManager uses
// it to drive continuous polling; the engine wires it directly to the
// hardware driver, bypassing RequestDispatcher because the (propID, areaID)
// pair was already validated when the subscription was installed.
type ValueFetcher func(ctx context.Context, propID vhal.PropertyID, areaID vhal.AreaID) (vhal.PropertyValue, vhal.StatusCode)

// SubscriptionManager tracks, per (property, area), the set of subscribers
// and drives the continuous poll scheduler.
type SubscriptionManager struct {
	configs *PropertyConfigStore
	fetch   ValueFetcher
	jitter  time.Duration

	mu       sync.Mutex
	buckets  map[subscriptionKey]*areaBucket
	byClient map[vhal.ClientID]map[subscriptionKey]struct{}
}

// NewSubscriptionManager builds a manager. jitter bounds the random delay
// added to each poll tick so subscribers at the same rate don't fire in
// lockstep.
func NewSubscriptionManager(configs *PropertyConfigStore, fetch ValueFetcher, jitter time.Duration) *SubscriptionManager {
	return &SubscriptionManager{
		configs:  configs,
		fetch:    fetch,
		jitter:   jitter,
		buckets:  make(map[subscriptionKey]*areaBucket),
		byClient: make(map[vhal.ClientID]map[subscriptionKey]struct{}),
	}
}

type resolvedOption struct {
	cfg     vhal.PropertyConfig
	areaIDs []vhal.AreaID
	rate    float64
}

// Subscribe validates every option in opts before installing any of them.
// A single invalid option rejects the whole call.
func (m *SubscriptionManager) Subscribe(clientID vhal.ClientID, sub *SubscriptionClient, opts []vhal.SubscribeOptions) error {
	resolved := make([]resolvedOption, 0, len(opts))
	for _, o := range opts {
		cfg, ok := m.configs.Lookup(o.PropID)
		if !ok {
			return vhal.ErrPropertyNotFound
		}
		if cfg.ChangeMode != vhal.ChangeModeOnChange && cfg.ChangeMode != vhal.ChangeModeContinuous {
			return vhal.ErrStaticProperty
		}
		rate := 0.0
		if cfg.ChangeMode == vhal.ChangeModeContinuous {
			rate = o.SampleRate
			if rate <= 0 || rate < cfg.MinSampleRate || rate > cfg.MaxSampleRate {
				return vhal.ErrInvalidSampleRate
			}
		}
		areaIDs := o.AreaIDs
		if len(areaIDs) == 0 {
			areaIDs = allAreasOf(cfg)
		} else {
			for _, a := range areaIDs {
				if !areaValidFor(cfg, a) {
					return vhal.ErrInvalidArea
				}
			}
		}
		resolved = append(resolved, resolvedOption{cfg: cfg, areaIDs: areaIDs, rate: rate})
	}

	for _, r := range resolved {
		for _, areaID := range r.areaIDs {
			m.install(clientID, sub, r.cfg, areaID, r.rate)
		}
	}
	return nil
}

func allAreasOf(cfg vhal.PropertyConfig) []vhal.AreaID {
	if cfg.Global {
		return []vhal.AreaID{vhal.GlobalArea}
	}
	out := make([]vhal.AreaID, len(cfg.Areas))
	for i, a := range cfg.Areas {
		out[i] = a.AreaID
	}
	return out
}

func areaValidFor(cfg vhal.PropertyConfig, areaID vhal.AreaID) bool {
	if cfg.Global {
		return areaID == vhal.GlobalArea
	}
	_, ok := cfg.AreaConfigFor(areaID)
	return ok
}

// install replaces any existing (clientID, propID, areaID) subscription in
// one step: absent -> active -> absent, no intermediate states.
func (m *SubscriptionManager) install(clientID vhal.ClientID, sub *SubscriptionClient, cfg vhal.PropertyConfig, areaID vhal.AreaID, rate float64) {
	key := subscriptionKey{PropID: cfg.PropID, AreaID: areaID}

	m.mu.Lock()
	bucket, ok := m.buckets[key]
	if !ok {
		bucket = &areaBucket{subscribers: make(map[vhal.ClientID]*subscriberEntry)}
		m.buckets[key] = bucket
	}
	clientKeys, ok := m.byClient[clientID]
	if !ok {
		clientKeys = make(map[subscriptionKey]struct{})
		m.byClient[clientID] = clientKeys
	}
	clientKeys[key] = struct{}{}
	m.mu.Unlock()

	bucket.mu.Lock()
	bucket.subscribers[clientID] = &subscriberEntry{ClientID: clientID, Sub: sub, Mode: cfg.ChangeMode, Rate: rate}
	if cfg.ChangeMode == vhal.ChangeModeContinuous {
		m.rescheduleLocked(bucket, cfg.PropID, areaID)
	}
	bucket.mu.Unlock()
}

// rescheduleLocked recomputes a bucket's poll rate as the max across its
// continuous subscribers and starts, replaces or cancels the PollJob to
// match. Callers must hold bucket.mu.
func (m *SubscriptionManager) rescheduleLocked(bucket *areaBucket, propID vhal.PropertyID, areaID vhal.AreaID) {
	maxRate := 0.0
	for _, s := range bucket.subscribers {
		if s.Mode == vhal.ChangeModeContinuous && s.Rate > maxRate {
			maxRate = s.Rate
		}
	}
	if maxRate <= 0 {
		if bucket.poll != nil {
			bucket.poll.cancel()
			bucket.poll = nil
		}
		return
	}
	if bucket.poll != nil && bucket.poll.rate == maxRate {
		return
	}
	if bucket.poll != nil {
		bucket.poll.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	bucket.poll = &pollJob{rate: maxRate, cancel: cancel}
	go m.runPoll(ctx, propID, areaID, maxRate)
}

func (m *SubscriptionManager) runPoll(ctx context.Context, propID vhal.PropertyID, areaID vhal.AreaID, rate float64) {
	interval := time.Duration(float64(time.Second) / rate)
	timer := time.NewTimer(m.nextDelay(interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(m.nextDelay(interval))
			m.onPollTick(ctx, propID, areaID)
		}
	}
}

func (m *SubscriptionManager) nextDelay(interval time.Duration) time.Duration {
	if m.jitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(m.jitter)))
}

// onPollTick issues one getValues for (propID, areaID) and fans the result
// out to every continuous subscriber at that area. A fetch failure simply
// drops this tick; missed ticks are not coalesced into the next one.
//
// TODO: a client subscribed to the same property across several areas gets
// one OnPropertyEvent per area per tick rather than one call batching every
// area that ticked together; each area has its own pollJob and ticks
// independently.
func (m *SubscriptionManager) onPollTick(ctx context.Context, propID vhal.PropertyID, areaID vhal.AreaID) {
	value, status := m.fetch(ctx, propID, areaID)
	if status != vhal.StatusOK {
		return
	}
	key := subscriptionKey{PropID: propID, AreaID: areaID}
	m.mu.Lock()
	bucket := m.buckets[key]
	m.mu.Unlock()
	if bucket == nil {
		return
	}
	bucket.mu.Lock()
	targets := make([]*subscriberEntry, 0, len(bucket.subscribers))
	for _, s := range bucket.subscribers {
		if s.Mode == vhal.ChangeModeContinuous {
			targets = append(targets, s)
		}
	}
	bucket.mu.Unlock()
	for _, t := range targets {
		t.Sub.Callback.OnPropertyEvent(vhal.PropertyEvent{Values: []vhal.PropertyValue{value}})
	}
}

// OnHardwareChange delivers value to every on-change subscriber whose
// (propID, areaID) matches. Events for unsubscribed pairs are dropped
// silently.
func (m *SubscriptionManager) OnHardwareChange(value vhal.PropertyValue) {
	key := subscriptionKey{PropID: value.PropID, AreaID: value.AreaID}
	m.mu.Lock()
	bucket := m.buckets[key]
	m.mu.Unlock()
	if bucket == nil {
		return
	}
	bucket.mu.Lock()
	targets := make([]*subscriberEntry, 0, len(bucket.subscribers))
	for _, s := range bucket.subscribers {
		if s.Mode == vhal.ChangeModeOnChange {
			targets = append(targets, s)
		}
	}
	bucket.mu.Unlock()
	for _, t := range targets {
		t.Sub.Callback.OnPropertyEvent(vhal.PropertyEvent{Values: []vhal.PropertyValue{value}})
	}
}

// Unsubscribe removes every subscription clientID holds on each of propIDs.
// It fails with vhal.ErrNoSuchSubscriber if any requested property id had no
// existing subscription for this client; nothing is removed in that case.
func (m *SubscriptionManager) Unsubscribe(clientID vhal.ClientID, propIDs []vhal.PropertyID) error {
	m.mu.Lock()
	snapshot := make(map[subscriptionKey]struct{}, len(m.byClient[clientID]))
	for k := range m.byClient[clientID] {
		snapshot[k] = struct{}{}
	}
	m.mu.Unlock()

	toRemove := make([]subscriptionKey, 0, len(propIDs))
	for _, propID := range propIDs {
		found := false
		for key := range snapshot {
			if key.PropID == propID {
				toRemove = append(toRemove, key)
				found = true
			}
		}
		if !found {
			return vhal.ErrNoSuchSubscriber
		}
	}
	for _, key := range toRemove {
		m.remove(clientID, key)
	}
	return nil
}

// CancelClient silently removes every subscription clientID holds, with no
// INVALID_ARG path. Used on transport death notification.
func (m *SubscriptionManager) CancelClient(clientID vhal.ClientID) {
	m.mu.Lock()
	keys := make([]subscriptionKey, 0, len(m.byClient[clientID]))
	for k := range m.byClient[clientID] {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.remove(clientID, k)
	}
}

func (m *SubscriptionManager) remove(clientID vhal.ClientID, key subscriptionKey) {
	m.mu.Lock()
	bucket := m.buckets[key]
	if ids := m.byClient[clientID]; ids != nil {
		delete(ids, key)
		if len(ids) == 0 {
			delete(m.byClient, clientID)
		}
	}
	m.mu.Unlock()
	if bucket == nil {
		return
	}

	bucket.mu.Lock()
	delete(bucket.subscribers, clientID)
	m.rescheduleLocked(bucket, key.PropID, key.AreaID)
	empty := len(bucket.subscribers) == 0
	bucket.mu.Unlock()

	if empty {
		m.mu.Lock()
		if current := m.buckets[key]; current == bucket {
			delete(m.buckets, key)
		}
		m.mu.Unlock()
	}
}

// SubscriberCount reports the total number of (client, property, area)
// subscriptions, for diagnostics and tests.
func (m *SubscriptionManager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, bucket := range m.buckets {
		bucket.mu.Lock()
		total += len(bucket.subscribers)
		bucket.mu.Unlock()
	}
	return total
}
