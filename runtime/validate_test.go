package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-vhal/vhal"
)

func TestValidateAreaGlobalPropertyRejectsNonGlobalArea(t *testing.T) {
	cfg := vhal.PropertyConfig{PropID: 1, Global: true}
	require.NoError(t, validateArea(cfg, vhal.GlobalArea))
	require.ErrorIs(t, validateArea(cfg, rowLeft), vhal.ErrInvalidArea)
}

func TestValidateAreaScopedPropertyRequiresConfiguredArea(t *testing.T) {
	cfg := vhal.PropertyConfig{PropID: 2, Areas: []vhal.AreaConfig{{AreaID: rowLeft}, {AreaID: rowRight}}}
	require.NoError(t, validateArea(cfg, rowLeft))
	require.NoError(t, validateArea(cfg, rowRight))
	require.ErrorIs(t, validateArea(cfg, vhal.GlobalArea), vhal.ErrInvalidArea)
	require.ErrorIs(t, validateArea(cfg, vhal.AreaID(99)), vhal.ErrInvalidArea)
}

func TestValidateSetValueTypeMismatch(t *testing.T) {
	cfg := vhal.PropertyConfig{PropID: 3, ValueType: vhal.ValueTypeInt32Vec, Global: true}
	err := validateSetValue(cfg, vhal.GlobalArea, vhal.Value{FloatValues: []float32{1}})
	require.ErrorIs(t, err, vhal.ErrTypeMismatch)
}

func TestValidateSetValueEmptyValueIsTypeMismatch(t *testing.T) {
	cfg := vhal.PropertyConfig{PropID: 4, ValueType: vhal.ValueTypeInt32Vec, Global: true}
	err := validateSetValue(cfg, vhal.GlobalArea, vhal.Value{})
	require.ErrorIs(t, err, vhal.ErrTypeMismatch)
}

func TestValidateSetValueOutOfRange(t *testing.T) {
	cfg := vhal.PropertyConfig{
		PropID:    5,
		ValueType: vhal.ValueTypeInt32Vec,
		Areas:     []vhal.AreaConfig{{AreaID: rowLeft, Range: rangeOf(0, 100)}},
	}
	err := validateSetValue(cfg, rowLeft, vhal.Value{Int32Values: []int32{101}})
	require.ErrorIs(t, err, vhal.ErrValueOutOfRange)

	require.NoError(t, validateSetValue(cfg, rowLeft, vhal.Value{Int32Values: []int32{50}}))
}

func TestValidateSetValueNoRangeAcceptsAnyNumericValue(t *testing.T) {
	cfg := vhal.PropertyConfig{
		PropID:    6,
		ValueType: vhal.ValueTypeInt32Vec,
		Areas:     []vhal.AreaConfig{{AreaID: rowLeft}},
	}
	require.NoError(t, validateSetValue(cfg, rowLeft, vhal.Value{Int32Values: []int32{-100000}}))
}
