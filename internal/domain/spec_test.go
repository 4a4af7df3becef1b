package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_WidgetShapes(t *testing.T) {
	tests := []struct {
		name     string
		spec     QuerySpec
		wantCode string
	}{
		{
			name: "kpi with single metric",
			spec: QuerySpec{ResourceID: "orders", WidgetType: WidgetKPI, Metrics: []Metric{{Op: AggCount}}},
		},
		{
			name:     "missing resource",
			spec:     QuerySpec{WidgetType: WidgetKPI, Metrics: []Metric{{Op: AggCount}}},
			wantCode: CodeInvalidSpec,
		},
		{
			name:     "unknown widget type",
			spec:     QuerySpec{ResourceID: "orders", WidgetType: "gauge"},
			wantCode: CodeInvalidSpec,
		},
		{
			name: "line requires time bucket",
			spec: QuerySpec{
				ResourceID: "orders",
				WidgetType: WidgetLine,
				Metrics:    []Metric{{Op: AggCount}},
			},
			wantCode: CodeInvalidSpec,
		},
		{
			name: "line with time bucket",
			spec: QuerySpec{
				ResourceID: "orders",
				WidgetType: WidgetLine,
				Metrics:    []Metric{{Op: AggCount}},
				Time:       &TimeBlock{Column: "created_at", Granularity: "day"},
			},
		},
		{
			name:     "table requires columns",
			spec:     QuerySpec{ResourceID: "orders", WidgetType: WidgetTable},
			wantCode: CodeInvalidSpec,
		},
		{
			name: "table rejects metrics",
			spec: QuerySpec{
				ResourceID: "orders",
				WidgetType: WidgetTable,
				Columns:    []string{"id"},
				Metrics:    []Metric{{Op: AggCount}},
			},
			wantCode: CodeInvalidSpec,
		},
		{
			name: "text accepts nothing",
			spec: QuerySpec{ResourceID: "orders", WidgetType: WidgetText},
		},
		{
			name:     "text rejects dimensions",
			spec:     QuerySpec{ResourceID: "orders", WidgetType: WidgetText, Dimensions: []string{"region"}},
			wantCode: CodeInvalidSpec,
		},
		{
			name:     "dre requires rows",
			spec:     QuerySpec{ResourceID: "ledger", WidgetType: WidgetDre},
			wantCode: CodeInvalidSpec,
		},
		{
			name: "dre with rows",
			spec: QuerySpec{
				ResourceID: "ledger",
				WidgetType: WidgetDre,
				DreRows:    []DreRow{{Name: "revenue", Metrics: []Metric{{Column: "credit", Op: AggSum}}}},
			},
		},
		{
			name: "bar rejects derived metric",
			spec: QuerySpec{
				ResourceID:    "orders",
				WidgetType:    WidgetBar,
				Dimensions:    []string{"region"},
				Metrics:       []Metric{{Op: AggCount}},
				DerivedMetric: &DerivedMetric{Formula: "m0", Metrics: []Metric{{Op: AggCount}}},
			},
			wantCode: CodeInvalidSpec,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, ErrorCode(err))
		})
	}
}

func TestValidate_Metrics(t *testing.T) {
	base := QuerySpec{ResourceID: "orders", WidgetType: WidgetKPI}

	spec := base
	spec.Metrics = []Metric{{Column: "", Op: AggSum}}
	err := spec.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidMetric, ErrorCode(err))

	spec = base
	spec.Metrics = []Metric{{Column: "*", Op: AggAvg}}
	err = spec.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidMetric, ErrorCode(err))

	spec = base
	spec.Metrics = []Metric{{Column: "amount", Op: "median"}}
	err = spec.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidMetric, ErrorCode(err))

	// count over the whole row is the one column-less aggregation
	spec = base
	spec.Metrics = []Metric{{Op: AggCount}, {Column: "*", Op: AggCount}}
	assert.NoError(t, spec.Validate())
}

func TestValidate_Filters(t *testing.T) {
	base := QuerySpec{ResourceID: "orders", WidgetType: WidgetKPI, Metrics: []Metric{{Op: AggCount}}}

	spec := base
	spec.Filters = []Filter{{Column: "status", Op: OpEq}}
	err := spec.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidFilter, ErrorCode(err))

	spec = base
	spec.Filters = []Filter{{Column: "status", Op: OpIn, Value: "paid"}}
	err = spec.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidFilter, ErrorCode(err))

	spec = base
	spec.Filters = []Filter{{Column: "created_at", Op: OpBetween, Value: []interface{}{"2024-01-01"}}}
	err = spec.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidFilter, ErrorCode(err))

	spec = base
	spec.Filters = []Filter{
		{Column: "status", Op: OpIsNull},
		{Column: "region", Op: OpIn, Value: []interface{}{"north", "south"}},
	}
	assert.NoError(t, spec.Validate())
}

func TestValidate_CompositeRequiresTimeBucket(t *testing.T) {
	spec := QuerySpec{
		ResourceID:      "orders",
		WidgetType:      WidgetKPI,
		CompositeMetric: &CompositeMetric{Inner: Metric{Column: "amount", Op: AggSum}, Outer: AggAvg},
	}
	err := spec.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidSpec, ErrorCode(err))

	spec.Time = &TimeBlock{Column: "created_at", Granularity: "day"}
	assert.NoError(t, spec.Validate())
}

func TestErrorCode_UnwrapsWrappedErrors(t *testing.T) {
	err := ErrValidation(CodeInvalidSpec, "bad spec")
	wrapped := errors.Join(errors.New("outer"), err)
	assert.Equal(t, CodeInvalidSpec, ErrorCode(wrapped))
	assert.Equal(t, CodeInternalError, ErrorCode(errors.New("plain")))
}
