package attendance

// Gate weights of the verification confidence score. GPS dominates because
// proximity is the strongest physical signal; its contribution scales with
// distance while every other gate contributes its full weight on a pass.
var scoreWeights = map[ValidationType]float64{
	ValidationEligibility: 0.10,
	ValidationCapacity:    0.05,
	ValidationDuplicate:   0.10,
	ValidationTimeWindow:  0.20,
	ValidationQRToken:     0.20,
	ValidationGPSDistance: 0.25,
	ValidationImage:       0.10,
}

// computeScore folds executed gate results into a [0,1] confidence value.
// Only gates that ran participate, so a manual submission is not punished
// for the absent token gate.
func computeScore(results []ValidationResult) float64 {
	var earned, total float64
	for _, r := range results {
		w, ok := scoreWeights[r.Type]
		if !ok {
			continue
		}
		total += w
		if r.Status == ValidationPassed {
			conf := r.Confidence
			if conf < 0 {
				conf = 0
			}
			if conf > 1 {
				conf = 1
			}
			earned += w * conf
		}
	}
	if total == 0 {
		return 0
	}
	return earned / total
}
