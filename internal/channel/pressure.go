package channel

// Pressure classifies how full a bounded buffer is.
type Pressure int

const (
	PressureNone Pressure = iota
	// PressureModerate means less than half of the buffer is free.
	PressureModerate
	// PressureHigh means less than 30% of the buffer is free; the consumer is slow.
	PressureHigh
)

func (p Pressure) String() string {
	switch p {
	case PressureModerate:
		return "moderate"
	case PressureHigh:
		return "high"
	default:
		return "none"
	}
}

// ClassifyPressure compares the free slots with the configured buffer size.
func ClassifyPressure(remaining, buffer int) Pressure {
	if buffer <= 0 {
		return PressureNone
	}
	switch {
	case float64(remaining) < 0.3*float64(buffer):
		return PressureHigh
	case float64(remaining) < 0.5*float64(buffer):
		return PressureModerate
	default:
		return PressureNone
	}
}
