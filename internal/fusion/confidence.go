package fusion

import "math"

// Score combines corroboration, reported accuracy and speed plausibility
// into a single 0-100 trust score for a fused estimate.
//
// Base rewards independent reporters and caps at three of them. The accuracy
// term grants up to 30 for tight GPS fixes. The speed term gives full credit
// in the normal cruising range, partial credit when stationary (could be at a
// stop) and none at car-like speeds.
func Score(reporterCount int, accuracyM, speedKmh float64) int {
	base := reporterCount * 20
	if base > 60 {
		base = 60
	}

	accuracy := int(math.Max(0, 30-accuracyM/10))

	speed := 10
	switch {
	case speedKmh >= 80:
		speed = 0
	case speedKmh <= 5:
		speed = 5
	}

	total := base + accuracy + speed
	if total > 100 {
		total = 100
	}
	return total
}
