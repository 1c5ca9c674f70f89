// utils/math.go
package utils

import "math"

const Epsilon = 1e-9

// FloatEquals compares two floating-point numbers for near-equality.
func FloatEquals(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// RoundToPrecision rounds a float64 to a specified number of decimal places.
func RoundToPrecision(value float64, precision int) float64 {
	pow := math.Pow(10, float64(precision))
	return math.Round(value*pow) / pow
}

// PrecisionFromStep returns the number of decimals implied by a price or volume step,
// e.g. 0.01 -> 2, 0.001 -> 3, 1 -> 0.
func PrecisionFromStep(step float64) int {
	if step <= 0 {
		return 0
	}
	precision := 0
	for step < 1-Epsilon && precision < 10 {
		step *= 10
		precision++
	}
	return precision
}

// AdjustPriceToTickSize snaps a price to the nearest multiple of tickSize.
func AdjustPriceToTickSize(price float64, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return RoundToPrecision(math.Round(price/tickSize)*tickSize, PrecisionFromStep(tickSize))
}
