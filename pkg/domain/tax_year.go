package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	dErrors "carfengine/pkg/domain-errors"
)

// TaxYear is a UK fiscal year identified by the calendar year it starts in.
// TaxYear(2025) runs from 6 April 2025 through 5 April 2026 inclusive and is
// labelled "2025-2026".
type TaxYear int

// TaxYearOf returns the fiscal year containing t, judged on the calendar date
// in loc (Europe/London for HMRC purposes).
func TaxYearOf(t time.Time, loc *time.Location) TaxYear {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	year := local.Year()
	if local.Month() < time.April || (local.Month() == time.April && local.Day() < 6) {
		return TaxYear(year - 1)
	}
	return TaxYear(year)
}

// ParseTaxYear parses a "YYYY-YYYY" label.
//
// Errors: returns CodeInvalidInput unless the second year follows the first.
func ParseTaxYear(s string) (TaxYear, error) {
	first, second, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "tax year must look like 2025-2026")
	}
	start, err := strconv.Atoi(first)
	if err != nil || len(first) != 4 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "tax year start is not a year")
	}
	end, err := strconv.Atoi(second)
	if err != nil || end != start+1 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "tax year must span consecutive years")
	}
	return TaxYear(start), nil
}

// Start is the first instant of the fiscal year in loc.
func (y TaxYear) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(int(y), time.April, 6, 0, 0, 0, 0, loc)
}

// End is the first instant after the fiscal year in loc (exclusive bound).
func (y TaxYear) End(loc *time.Location) time.Time {
	return (y + 1).Start(loc)
}

func (y TaxYear) String() string {
	return fmt.Sprintf("%04d-%04d", int(y), int(y)+1)
}

// IsNil returns true for the zero value.
func (y TaxYear) IsNil() bool {
	return y == 0
}

func (y TaxYear) MarshalText() ([]byte, error) {
	return []byte(y.String()), nil
}

func (y *TaxYear) UnmarshalText(b []byte) error {
	parsed, err := ParseTaxYear(string(b))
	if err != nil {
		return err
	}
	*y = parsed
	return nil
}
