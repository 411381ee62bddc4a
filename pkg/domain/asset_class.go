package domain

import dErrors "carfengine/pkg/domain-errors"

// AssetClass is the regulatory classification of a transferred asset.
// Invariant: the value is one of the two closed variants below; it is derived
// once during normalization and never re-derived downstream.
//
// Usage: construct via ParseAssetClass at trust boundaries; direct casting
// bypasses validation.
type AssetClass string

const (
	AssetClassStablecoin AssetClass = "stablecoin"
	AssetClassUnbacked   AssetClass = "unbacked"
)

// validAssetClasses is the single source of truth for valid classes.
var validAssetClasses = map[AssetClass]bool{
	AssetClassStablecoin: true,
	AssetClassUnbacked:   true,
}

// ClassifyAsset returns the stablecoin variant when isStablecoin is true and
// the unbacked variant otherwise.
func ClassifyAsset(isStablecoin bool) AssetClass {
	if isStablecoin {
		return AssetClassStablecoin
	}
	return AssetClassUnbacked
}

// ParseAssetClass constructs an AssetClass from external input.
//
// Errors: returns CodeInvalidInput when the value is empty or unsupported.
func ParseAssetClass(s string) (AssetClass, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "asset class cannot be empty")
	}
	c := AssetClass(s)
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid asset class")
	}
	return c, nil
}

// IsValid checks if the class is one of the supported variants.
func (c AssetClass) IsValid() bool {
	return validAssetClasses[c]
}

// IsStablecoin reports whether c is the stablecoin variant.
func (c AssetClass) IsStablecoin() bool {
	return c == AssetClassStablecoin
}

func (c AssetClass) String() string {
	return string(c)
}
