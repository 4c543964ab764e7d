package ranges

import "context"

// ParameterRange holds operator-configured bounds for one parameter. Either
// bound may be nil; both nil is tolerated and means "no bound".
type ParameterRange struct {
	Parameter string   `json:"parameter"`
	Min       *float64 `json:"min"`
	Max       *float64 `json:"max"`
}

// Contains reports whether a value is within the configured bounds. A nil
// bound never excludes.
func (r ParameterRange) Contains(value float64) bool {
	if r.Min != nil && value < *r.Min {
		return false
	}
	if r.Max != nil && value > *r.Max {
		return false
	}
	return true
}

// Repository persists parameter ranges.
type Repository interface {
	ListAll(ctx context.Context) ([]ParameterRange, error)
	Upsert(ctx context.Context, rng ParameterRange) error
}
