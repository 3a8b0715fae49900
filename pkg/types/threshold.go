package types

// ThresholdPair is the two power setpoints exposed by the optimizer
// device. DischargeW is intended to be >= ChargeW in valid states.
type ThresholdPair struct {
	DischargeW float64 `json:"dischargeW"`
	ChargeW    float64 `json:"chargeW"`
}

// Add returns the pair with the other pair added component-wise.
func (p ThresholdPair) Add(o ThresholdPair) ThresholdPair {
	return ThresholdPair{
		DischargeW: p.DischargeW + o.DischargeW,
		ChargeW:    p.ChargeW + o.ChargeW,
	}
}

// Sub returns the pair with the other pair subtracted component-wise.
func (p ThresholdPair) Sub(o ThresholdPair) ThresholdPair {
	return ThresholdPair{
		DischargeW: p.DischargeW - o.DischargeW,
		ChargeW:    p.ChargeW - o.ChargeW,
	}
}

// Mode classifies the pair.
func (p ThresholdPair) Mode() Mode {
	return Classify(p.DischargeW, p.ChargeW)
}

// UniformPair returns a pair with both components set to w.
func UniformPair(w float64) ThresholdPair {
	return ThresholdPair{DischargeW: w, ChargeW: w}
}
