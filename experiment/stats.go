package experiment

import "math"

// Stats summarizes the metric of the trials of a point.
type Stats struct {
	Mean float64
	Std  float64 // population standard deviation
	Min  float64
	Max  float64
}

func computeStats(vals []float64) Stats {
	if len(vals) == 0 {
		return Stats{}
	}
	st := Stats{Min: vals[0], Max: vals[0]}
	sum := 0.0
	for _, v := range vals {
		sum += v
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
	}
	st.Mean = sum / float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		variance += (v - st.Mean) * (v - st.Mean)
	}
	st.Std = math.Sqrt(variance / float64(len(vals)))
	return st
}
