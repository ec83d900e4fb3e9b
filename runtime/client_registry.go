package runtime

import (
	"sync"

	"github.com/go-vhal/vhal"
)

// Callback is the boundary the engine exposes to a connected client.
// Implementations must be safe to call concurrently and must become no-ops
// once the owning client has died.
type Callback interface {
	OnGetValues(results []vhal.GetValueResult)
	OnSetValues(results []vhal.SetValueResult)
	OnPropertyEvent(event vhal.PropertyEvent)
	OnPropertySetError(errs vhal.PropertyErrors)
}

// GetClient, SetClient and SubscriptionClient are the three per-client
// records ClientRegistry hands out. They all forward to the same underlying
// Callback; keeping them as distinct handles lets the dispatcher and the
// subscription manager each hold only the view they need, and lets
// ClientRegistry tear down get/set/subscription state independently if a
// future transport ever needs to.
type GetClient struct {
	ClientID vhal.ClientID
	Callback Callback
}

type SetClient struct {
	ClientID vhal.ClientID
	Callback Callback
}

type SubscriptionClient struct {
	ClientID vhal.ClientID
	Callback Callback
}

// clientRecord bundles the three handles for one connected peer.
type clientRecord struct {
	get *GetClient
	set *SetClient
	sub *SubscriptionClient
}

// ClientRegistry maps each connected callback identity to its three
// per-client records. Clients are created lazily on first use and destroyed
// on transport death notification; a reconnecting peer that reuses a
// callback identity always starts from fresh state because death
// notification removes the map entry before any new registration can land.
type ClientRegistry struct {
	mu       sync.Mutex
	records  map[vhal.ClientID]*clientRecord
	onDeath  []func(vhal.ClientID)
}

// NewClientRegistry builds an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{records: make(map[vhal.ClientID]*clientRecord)}
}

// GetOrCreate returns the three records for clientID, creating them (bound
// to callback) if this is the first call for that identity.
func (r *ClientRegistry) GetOrCreate(clientID vhal.ClientID, callback Callback) (*GetClient, *SetClient, *SubscriptionClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[clientID]
	if !ok {
		rec = &clientRecord{
			get: &GetClient{ClientID: clientID, Callback: callback},
			set: &SetClient{ClientID: clientID, Callback: callback},
			sub: &SubscriptionClient{ClientID: clientID, Callback: callback},
		}
		r.records[clientID] = rec
	}
	return rec.get, rec.set, rec.sub
}

// Lookup returns the existing records for clientID without creating them.
func (r *ClientRegistry) Lookup(clientID vhal.ClientID) (*GetClient, *SetClient, *SubscriptionClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[clientID]
	if !ok {
		return nil, nil, nil, false
	}
	return rec.get, rec.set, rec.sub, true
}

// OnDeath registers a hook invoked (in registration order) when a client's
// records are torn down. The engine uses this to cancel pending entries and
// subscriptions without ClientRegistry needing to know about either.
func (r *ClientRegistry) OnDeath(fn func(vhal.ClientID)) {
	r.mu.Lock()
	r.onDeath = append(r.onDeath, fn)
	r.mu.Unlock()
}

// NotifyDeath tears down clientID's records and runs the registered death
// hooks. It is the transport's job to call this exactly once per peer, from
// its death-notification hook.
func (r *ClientRegistry) NotifyDeath(clientID vhal.ClientID) {
	r.mu.Lock()
	_, existed := r.records[clientID]
	delete(r.records, clientID)
	hooks := append([]func(vhal.ClientID){}, r.onDeath...)
	r.mu.Unlock()

	if !existed {
		return
	}
	for _, hook := range hooks {
		hook(clientID)
	}
}

// Count reports the number of connected clients, for diagnostics and tests.
func (r *ClientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
