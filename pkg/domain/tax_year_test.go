package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "carfengine/pkg/domain-errors"
)

// TestTaxYearOf_Boundary validates the UK fiscal boundary invariant:
// "6 April inclusive through 5 April inclusive of the following year".
func TestTaxYearOf_Boundary(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"5 April is the previous year", time.Date(2025, time.April, 5, 12, 0, 0, 0, london), "2024-2025"},
		{"5 April last second", time.Date(2025, time.April, 5, 23, 59, 59, 0, london), "2024-2025"},
		{"6 April first instant", time.Date(2025, time.April, 6, 0, 0, 0, 0, london), "2025-2026"},
		{"January belongs to prior start year", time.Date(2026, time.January, 15, 0, 0, 0, 0, london), "2025-2026"},
		{"December", time.Date(2025, time.December, 31, 23, 0, 0, 0, london), "2025-2026"},
		// 23:30 UTC on 5 April is 00:30 BST on 6 April.
		{"judged on London calendar date", time.Date(2025, time.April, 5, 23, 30, 0, 0, time.UTC), "2025-2026"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TaxYearOf(tt.at, london).String())
		})
	}
}

func TestTaxYearOf_NilLocationUsesUTC(t *testing.T) {
	at := time.Date(2025, time.April, 5, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, TaxYear(2024), TaxYearOf(at, nil))
}

func TestParseTaxYear(t *testing.T) {
	t.Run("accepts consecutive years", func(t *testing.T) {
		y, err := ParseTaxYear("2025-2026")
		require.NoError(t, err)
		assert.Equal(t, TaxYear(2025), y)
	})

	for _, in := range []string{"", "2025", "2025-2027", "25-26", "abcd-abce"} {
		t.Run("rejects "+in, func(t *testing.T) {
			_, err := ParseTaxYear(in)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestTaxYear_Bounds(t *testing.T) {
	y := TaxYear(2025)
	assert.Equal(t, time.Date(2025, time.April, 6, 0, 0, 0, 0, time.UTC), y.Start(time.UTC))
	assert.Equal(t, time.Date(2026, time.April, 6, 0, 0, 0, 0, time.UTC), y.End(time.UTC))
}

func TestTaxYear_TextRoundTrip(t *testing.T) {
	var y TaxYear
	require.NoError(t, y.UnmarshalText([]byte("2030-2031")))
	b, err := y.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2030-2031", string(b))
}
