// Package units provides shared constants and conversions for fuel volume,
// distance and speed units.
//
// The estimator keeps fuel volumes in liters internally; gallons appear at the
// MPG and event-reporting edges, matching the units vehicle operators see.
package units

// Conversion constants
const (
	// LitersPerGallon is the exact US liquid gallon in liters.
	LitersPerGallon = 3.785411784

	// MetersPerMile is the exact international mile in meters.
	MetersPerMile = 1609.344

	// KmPerMile converts statute miles to kilometers.
	KmPerMile = 1.609344
)

// GallonsToLiters converts US gallons to liters.
func GallonsToLiters(gal float64) float64 {
	return gal * LitersPerGallon
}

// LitersToGallons converts liters to US gallons.
func LitersToGallons(l float64) float64 {
	return l / LitersPerGallon
}

// MilesToKm converts statute miles to kilometers.
func MilesToKm(mi float64) float64 {
	return mi * KmPerMile
}

// KmToMiles converts kilometers to statute miles.
func KmToMiles(km float64) float64 {
	return km / KmPerMile
}

// MPHToMilesOver converts a speed in mph held for the given number of hours
// into distance in miles. Used for the speed-times-elapsed distance fallback
// when no odometer reading is available.
func MPHToMilesOver(speedMPH, hours float64) float64 {
	if speedMPH < 0 || hours < 0 {
		return 0
	}
	return speedMPH * hours
}
