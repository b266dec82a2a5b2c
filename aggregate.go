package lattice

import (
	"context"
	"fmt"
	"math"
)

// AggregateFunc identifies an aggregation over time-series point values.
type AggregateFunc string

const (
	AggAvg   AggregateFunc = "avg"
	AggSum   AggregateFunc = "sum"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggCount AggregateFunc = "count"
)

// AggregateResult is an aggregation over a time range of one series.
type AggregateResult struct {
	Series string        `json:"series"`
	Func   AggregateFunc `json:"func"`
	Start  int64         `json:"start"`
	End    int64         `json:"end"`
	Value  float64       `json:"value"`
	Count  int           `json:"count"`
}

// QueryTimeSeriesAggregate aggregates point values of series over
// [start, end]. The underlying range read goes through the regular read
// path, so the origin tag reports cache, index or fallback as usual.
func (e *Engine) QueryTimeSeriesAggregate(ctx context.Context, db, series string, start, end int64, fn AggregateFunc) (AggregateResult, QueryOrigin, error) {
	records, origin, err := e.QueryTimeSeries(ctx, db, series, start, end, 0)
	if err != nil {
		return AggregateResult{}, "", err
	}

	result := AggregateResult{
		Series: series,
		Func:   fn,
		Start:  start,
		End:    end,
		Count:  len(records),
	}

	switch fn {
	case AggCount:
		result.Value = float64(len(records))
	case AggSum, AggAvg:
		sum := 0.0
		for _, rec := range records {
			sum += rec.Value
		}
		result.Value = sum
		if fn == AggAvg && len(records) > 0 {
			result.Value = sum / float64(len(records))
		}
	case AggMin:
		result.Value = math.Inf(1)
		for _, rec := range records {
			result.Value = math.Min(result.Value, rec.Value)
		}
		if len(records) == 0 {
			result.Value = 0
		}
	case AggMax:
		result.Value = math.Inf(-1)
		for _, rec := range records {
			result.Value = math.Max(result.Value, rec.Value)
		}
		if len(records) == 0 {
			result.Value = 0
		}
	default:
		return AggregateResult{}, "", fmt.Errorf("unknown aggregate function %q", fn)
	}

	return result, origin, nil
}
