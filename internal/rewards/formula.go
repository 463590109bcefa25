package rewards

// Default award parameters: 18 points per started block of five assets,
// never more than 1000 a day.
const (
	DefaultBasePoints int64 = 18
	DefaultStep       int64 = 5
	DefaultMaxDaily   int64 = 1000
)

// Formula computes the daily holder award from an asset count.
type Formula struct {
	Base int64
	Step int64
	Max  int64
}

// DefaultFormula awards 18 points per started block of five assets, capped at 1000.
func DefaultFormula() Formula {
	return Formula{Base: DefaultBasePoints, Step: DefaultStep, Max: DefaultMaxDaily}
}

// Award returns Base * (1 + n/Step) clamped to [0, Max], or 0 when n <= 0.
func (f Formula) Award(n int64) int64 {
	if n <= 0 || f.Base <= 0 {
		return 0
	}
	step := f.Step
	if step <= 0 {
		step = DefaultStep
	}

	multiplier := 1 + n/step
	// past this point Base*multiplier would overflow; it is over any sane cap anyway
	if multiplier > (1<<62)/f.Base {
		return f.clamp(1 << 62)
	}
	return f.clamp(f.Base * multiplier)
}

func (f Formula) clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	if f.Max > 0 && v > f.Max {
		return f.Max
	}
	return v
}

// Award applies the default formula.
func Award(n int64) int64 {
	return DefaultFormula().Award(n)
}
