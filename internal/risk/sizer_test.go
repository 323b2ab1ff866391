package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/decision"
)

func TestSizerCalculate(t *testing.T) {
	s := NewSizer(10000, 0.02)

	got, err := s.Calculate(100000, 95000, decision.DirectionLong)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, got.RiskPerUnit)
	assert.InDelta(t, 0.04, got.Size, 1e-12)
	assert.Equal(t, got.Size*got.RiskPerUnit, got.RiskAmount)
}

func TestSizerCalculate_DirectionAgnosticIdentity(t *testing.T) {
	s := NewSizer(25000, 0.015)
	cases := []struct {
		entry, stop float64
		dir         decision.Direction
	}{
		{100000, 95000, decision.DirectionLong},
		{100000, 105000, decision.DirectionShort},
		{3200.5, 3100.25, decision.DirectionLong},
		{0.4321, 0.4502, decision.DirectionShort},
		{1, 0.999999, decision.DirectionLong},
	}
	for _, tc := range cases {
		got, err := s.Calculate(tc.entry, tc.stop, tc.dir)
		require.NoError(t, err)
		assert.Greater(t, got.Size, 0.0)
		assert.Equal(t, got.Size*got.RiskPerUnit, got.RiskAmount)

		mirrored, err := s.Calculate(tc.entry, tc.stop, tc.dir.Opposite())
		require.NoError(t, err)
		assert.Equal(t, got, mirrored)
	}
}

func TestSizerCalculate_Errors(t *testing.T) {
	s := NewSizer(10000, 0.02)

	_, err := s.Calculate(100000, 100000, decision.DirectionLong)
	assert.ErrorIs(t, err, ErrZeroRiskDistance)

	_, err = s.Calculate(0, 1, decision.DirectionLong)
	assert.Error(t, err)

	_, err = NewSizer(0, 0.02).Calculate(100, 90, decision.DirectionLong)
	assert.Error(t, err)
}
