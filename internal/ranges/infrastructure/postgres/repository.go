package postgres

import (
	"context"
	"database/sql"
	"errors"

	ranges "citysense-cloud/internal/ranges/domain"
)

// RangeRepository is a Postgres repository for parameter ranges.
type RangeRepository struct {
	db *sql.DB
}

// NewRangeRepository constructs a repository.
func NewRangeRepository(db *sql.DB) *RangeRepository {
	return &RangeRepository{db: db}
}

// ListAll returns every configured parameter range.
func (r *RangeRepository) ListAll(ctx context.Context) ([]ranges.ParameterRange, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("range repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT parameter, min_value, max_value
FROM parameter_ranges
ORDER BY parameter ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ranges.ParameterRange
	for rows.Next() {
		var rng ranges.ParameterRange
		var minValue, maxValue sql.NullFloat64
		if err := rows.Scan(&rng.Parameter, &minValue, &maxValue); err != nil {
			return nil, err
		}
		if minValue.Valid {
			value := minValue.Float64
			rng.Min = &value
		}
		if maxValue.Valid {
			value := maxValue.Float64
			rng.Max = &value
		}
		result = append(result, rng)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Upsert writes bounds for one parameter, inserting or replacing the row.
func (r *RangeRepository) Upsert(ctx context.Context, rng ranges.ParameterRange) error {
	if r == nil || r.db == nil {
		return errors.New("range repo: nil db")
	}
	if rng.Parameter == "" {
		return errors.New("range repo: empty parameter")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO parameter_ranges (parameter, min_value, max_value)
VALUES ($1, $2, $3)
ON CONFLICT (parameter)
DO UPDATE SET min_value = EXCLUDED.min_value, max_value = EXCLUDED.max_value`,
		rng.Parameter, nullFloat(rng.Min), nullFloat(rng.Max))
	return err
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}
