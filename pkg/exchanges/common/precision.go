package common

import (
	"math"
	"strconv"
)

// DefaultSizeDecimals is used for assets without a known lot precision.
const DefaultSizeDecimals = 3

// RoundPrice rounds a trigger or limit price by magnitude so venues accept it.
func RoundPrice(price float64) float64 {
	abs := math.Abs(price)
	var decimals int
	switch {
	case abs < 1:
		decimals = 5
	case abs < 10:
		decimals = 4
	case abs < 100:
		decimals = 3
	case abs < 1000:
		decimals = 2
	default:
		decimals = 1
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(price*pow) / pow
}

// FloorQty floors a quantity to the given number of decimals.
func FloorQty(qty float64, decimals int) float64 {
	if decimals < 0 {
		decimals = DefaultSizeDecimals
	}
	pow := math.Pow(10, float64(decimals))
	// tolerance keeps binary noise like 0.29999999 from losing a lot
	return math.Floor(qty*pow+1e-6) / pow
}

// FormatQty renders a floored quantity without exponent notation.
func FormatQty(qty float64, decimals int) string {
	return strconv.FormatFloat(FloorQty(qty, decimals), 'f', -1, 64)
}

// FormatPrice renders a rounded price without exponent notation.
func FormatPrice(price float64) string {
	return strconv.FormatFloat(RoundPrice(price), 'f', -1, 64)
}
