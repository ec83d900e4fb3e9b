package runtime

import "github.com/go-vhal/vhal"

// PropertyConfigStore is the immutable map from property id to its
// configuration, loaded once from the hardware driver at startup. Results
// are stable for the process lifetime, so no mutex is needed once the store
// is built.
type PropertyConfigStore struct {
	configs map[vhal.PropertyID]vhal.PropertyConfig
}

// NewPropertyConfigStore builds a store from the hardware driver's reported
// configs.
func NewPropertyConfigStore(configs []vhal.PropertyConfig) *PropertyConfigStore {
	m := make(map[vhal.PropertyID]vhal.PropertyConfig, len(configs))
	for _, c := range configs {
		m[c.PropID] = c
	}
	return &PropertyConfigStore{configs: m}
}

// Lookup returns the config for propID, if known.
func (s *PropertyConfigStore) Lookup(propID vhal.PropertyID) (vhal.PropertyConfig, bool) {
	c, ok := s.configs[propID]
	return c, ok
}

// All returns every configured property, in no particular order.
func (s *PropertyConfigStore) All() []vhal.PropertyConfig {
	out := make([]vhal.PropertyConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out
}

// Count reports the number of configured properties.
func (s *PropertyConfigStore) Count() int {
	return len(s.configs)
}
