// Package mathx provides small numeric helpers shared by the image pipeline.
package mathx

// Round rounds a float to the nearest "unit" (1 for integer, 0.1 for tenth,
// and so on).  Halfway cases round up, matching how pixel intensities are
// quantized elsewhere in this repository.
func Round(x, unit float64) float64 {
	return float64(int64(x/unit+0.5)) * unit
}
