package proximity

// DefaultAlpha is the smoothing factor applied to new readings.
const DefaultAlpha = 0.3

// SignalFilter is an exponential moving average over raw signal readings.
type SignalFilter struct {
	alpha       float64
	value       float64
	initialized bool
}

// NewSignalFilter returns a filter with the given alpha. Values outside (0, 1]
// fall back to DefaultAlpha.
func NewSignalFilter(alpha float64) *SignalFilter {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &SignalFilter{alpha: alpha}
}

// Update feeds raw and returns the filtered value. The first reading after
// construction or Reset is returned unchanged.
func (f *SignalFilter) Update(raw float64) float64 {
	if !f.initialized {
		f.value = raw
		f.initialized = true
		return raw
	}
	f.value = f.alpha*raw + (1-f.alpha)*f.value
	return f.value
}

// Value returns the current filtered value and whether any reading was seen.
func (f *SignalFilter) Value() (float64, bool) {
	return f.value, f.initialized
}

// Reset clears the filter state.
func (f *SignalFilter) Reset() {
	f.value = 0
	f.initialized = false
}
