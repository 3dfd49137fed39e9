package fuel

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Sample-size floors for the two outlier filters. Below madMinSamples there
// is not enough history to judge and every in-bounds value is accepted.
const (
	iqrMinSamples = 8
	madMinSamples = 4

	// iqrFenceK is the Tukey fence multiplier.
	iqrFenceK = 1.5

	// madFenceK is the modified z-score cutoff (3.5 is the conventional
	// Iglewicz-Hoaglin threshold).
	madFenceK = 3.5

	// madScale converts MAD to a consistent standard deviation estimate.
	madScale = 0.6745
)

// isOutlier judges a candidate value against the recent history, using Tukey
// IQR fences when enough samples exist and the median-absolute-deviation
// modified z-score for small samples. history includes the candidate.
func isOutlier(history []float64, v float64) bool {
	if len(history) < madMinSamples {
		return false
	}

	sorted := make([]float64, len(history))
	copy(sorted, history)
	sort.Float64s(sorted)

	if len(sorted) >= iqrMinSamples {
		q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
		q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
		iqr := q3 - q1
		if iqr <= 0 {
			return false
		}
		return v < q1-iqrFenceK*iqr || v > q3+iqrFenceK*iqr
	}

	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	devs := make([]float64, len(sorted))
	for i, x := range sorted {
		devs[i] = math.Abs(x - med)
	}
	sort.Float64s(devs)
	mad := stat.Quantile(0.5, stat.Empirical, devs, nil)
	if mad <= 0 {
		return false
	}
	z := madScale * math.Abs(v-med) / mad
	return z > madFenceK
}

// historyStdDev returns the standard deviation of the raw MPG history, used
// by the off-by-default adaptive-alpha branch.
func historyStdDev(history []float64) float64 {
	if len(history) < 2 {
		return 0
	}
	return stat.StdDev(history, nil)
}
