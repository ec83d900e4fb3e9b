package runtime

import "github.com/go-vhal/vhal"

// validateArea checks that areaID is legal for cfg: the global area only for
// a global property, otherwise one of the property's configured areas.
func validateArea(cfg vhal.PropertyConfig, areaID vhal.AreaID) error {
	if cfg.Global {
		if areaID != vhal.GlobalArea {
			return vhal.ErrInvalidArea
		}
		return nil
	}
	if _, ok := cfg.AreaConfigFor(areaID); !ok {
		return vhal.ErrInvalidArea
	}
	return nil
}

// validateSetValue checks that value matches cfg's declared type and, when
// the area declares a numeric range, that every numeric scalar in value
// falls inside it.
func validateSetValue(cfg vhal.PropertyConfig, areaID vhal.AreaID, value vhal.Value) error {
	if !value.MatchesType(cfg.ValueType) {
		return vhal.ErrTypeMismatch
	}
	if ac, ok := cfg.AreaConfigFor(areaID); ok && ac.Range != nil {
		for _, n := range value.NumericValues() {
			if !ac.Range.Contains(n) {
				return vhal.ErrValueOutOfRange
			}
		}
	}
	return nil
}
