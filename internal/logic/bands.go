package logic

// Classify turns the PID output into a three-level decision. The bands are
// disjoint and have no hysteresis.
func Classify(output float64, b Bands) TempIntent {
	switch {
	case output > b.HeatAbove:
		return TempIntent{Heater: true, Fan: 0}
	case output < b.CoolBelow:
		return TempIntent{Heater: false, Fan: b.FanDuty}
	default:
		return TempIntent{}
	}
}
