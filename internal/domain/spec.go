package domain

import (
	"strings"
)

// WidgetType selects the query shape a spec is allowed to carry.
type WidgetType string

const (
	WidgetKPI    WidgetType = "kpi"
	WidgetLine   WidgetType = "line"
	WidgetBar    WidgetType = "bar"
	WidgetColumn WidgetType = "column"
	WidgetDonut  WidgetType = "donut"
	WidgetTable  WidgetType = "table"
	WidgetText   WidgetType = "text"
	WidgetDre    WidgetType = "dre"
)

// AggOp is a supported aggregation operator.
type AggOp string

const (
	AggCount         AggOp = "count"
	AggSum           AggOp = "sum"
	AggAvg           AggOp = "avg"
	AggMin           AggOp = "min"
	AggMax           AggOp = "max"
	AggDistinctCount AggOp = "distinct_count"
)

// FilterOp is a supported filter operator.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNeq      FilterOp = "neq"
	OpGt       FilterOp = "gt"
	OpLt       FilterOp = "lt"
	OpGte      FilterOp = "gte"
	OpLte      FilterOp = "lte"
	OpIn       FilterOp = "in"
	OpNotIn    FilterOp = "not_in"
	OpContains FilterOp = "contains"
	OpIsNull   FilterOp = "is_null"
	OpNotNull  FilterOp = "not_null"
	OpBetween  FilterOp = "between"
)

// Metric is one aggregate expression request. Column may be empty (or "*")
// only for count.
type Metric struct {
	Column  string   `json:"column,omitempty"`
	Op      AggOp    `json:"op"`
	Alias   string   `json:"alias,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
}

// Filter is one WHERE predicate. Value may encode a relative date preset
// ("last_7_days" and friends), resolved at compile time.
type Filter struct {
	Column string      `json:"column"`
	Op     FilterOp    `json:"op"`
	Value  interface{} `json:"value,omitempty"`
}

// OrderBy is one sort term. The wire carries both a legacy "sort" list and
// an "order_by" list; canonicalization folds them into OrderBy.
type OrderBy struct {
	Column    string `json:"column"`
	Direction string `json:"direction,omitempty"` // "asc" (default) or "desc"
}

// TimeBlock describes the single time bucket a line/kpi query groups by.
type TimeBlock struct {
	Column      string `json:"column,omitempty"`
	Granularity string `json:"granularity,omitempty"` // hour, day, week, month, year
	Timezone    string `json:"timezone,omitempty"`
}

// TimeRange restricts the time column to [Start, End).
type TimeRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// CompositeMetric is a two-level aggregation: Inner is computed per time
// bucket, Outer aggregates the bucket values.
type CompositeMetric struct {
	Inner Metric `json:"inner"`
	Outer AggOp  `json:"outer"`
}

// DerivedMetric evaluates Formula over the declared base metrics. The
// formula language is +, -, *, / and parentheses over metric references
// (alias or positional m0..mN) and numeric literals.
type DerivedMetric struct {
	Formula      string   `json:"formula"`
	Metrics      []Metric `json:"metrics"`
	DivideByZero string   `json:"divide_by_zero,omitempty"` // "null" (default) or "zero"
}

// DreRow is one ordered output row of a dre widget: the sum of its metrics.
// Row order is semantically significant and survives canonicalization.
type DreRow struct {
	Name    string   `json:"name"`
	Metrics []Metric `json:"metrics"`
}

// QuerySpec is the caller-supplied description of one analytical query.
// Which fields are legal depends on WidgetType; Validate enforces the shape.
type QuerySpec struct {
	ResourceID      string           `json:"resource_id"`
	WidgetType      WidgetType       `json:"widget_type"`
	Metrics         []Metric         `json:"metrics,omitempty"`
	Dimensions      []string         `json:"dimensions,omitempty"`
	Filters         []Filter         `json:"filters,omitempty"`
	Sort            []OrderBy        `json:"sort,omitempty"`
	OrderBy         []OrderBy        `json:"order_by,omitempty"`
	Columns         []string         `json:"columns,omitempty"`
	TopN            int              `json:"top_n,omitempty"`
	Limit           int              `json:"limit,omitempty"`
	Offset          int              `json:"offset,omitempty"`
	Time            *TimeBlock       `json:"time,omitempty"`
	TimeRange       *TimeRange       `json:"time_range,omitempty"`
	Timezone        string           `json:"timezone,omitempty"`
	CompositeMetric *CompositeMetric `json:"composite_metric,omitempty"`
	DerivedMetric   *DerivedMetric   `json:"derived_metric,omitempty"`
	DreRows         []DreRow         `json:"dre_rows,omitempty"`
}

// widgetShape declares which optional spec fields a widget type accepts.
// Go has no sum types; this table plus Validate is the constructor-time
// stand-in for one tagged union per shape.
type widgetShape struct {
	metrics    bool
	dimensions bool
	columns    bool
	requires   []string
	composite  bool
	derived    bool
	dreRows    bool
	timeBucket bool
}

var widgetShapes = map[WidgetType]widgetShape{
	WidgetKPI:    {metrics: true, composite: true, derived: true, timeBucket: true},
	WidgetLine:   {metrics: true, dimensions: true, timeBucket: true, requires: []string{"time"}},
	WidgetBar:    {metrics: true, dimensions: true, timeBucket: true},
	WidgetColumn: {metrics: true, dimensions: true, timeBucket: true},
	WidgetDonut:  {metrics: true, dimensions: true},
	WidgetTable:  {columns: true, requires: []string{"columns"}},
	WidgetText:   {},
	WidgetDre:    {dreRows: true, requires: []string{"dre_rows"}, timeBucket: true},
}

// IsCategorical reports whether the widget is a categorical chart type
// for which top_n is an effective limit.
func (w WidgetType) IsCategorical() bool {
	return w == WidgetBar || w == WidgetColumn || w == WidgetDonut
}

// Validate checks the spec against its widget shape. It returns a
// ValidationError describing the first violation found.
func (s *QuerySpec) Validate() error {
	if strings.TrimSpace(s.ResourceID) == "" {
		return ErrValidation(CodeInvalidSpec, "resource_id is required")
	}
	shape, ok := widgetShapes[s.WidgetType]
	if !ok {
		return ErrValidation(CodeInvalidSpec, "unknown widget_type %q", s.WidgetType)
	}

	if !shape.metrics && len(s.Metrics) > 0 {
		return ErrValidation(CodeInvalidSpec, "widget_type %q does not accept metrics", s.WidgetType)
	}
	if !shape.dimensions && len(s.Dimensions) > 0 {
		return ErrValidation(CodeInvalidSpec, "widget_type %q does not accept dimensions", s.WidgetType)
	}
	if !shape.columns && len(s.Columns) > 0 {
		return ErrValidation(CodeInvalidSpec, "widget_type %q does not accept columns", s.WidgetType)
	}
	if !shape.composite && s.CompositeMetric != nil {
		return ErrValidation(CodeInvalidSpec, "widget_type %q does not accept composite_metric", s.WidgetType)
	}
	if !shape.derived && s.DerivedMetric != nil {
		return ErrValidation(CodeInvalidSpec, "widget_type %q does not accept derived_metric", s.WidgetType)
	}
	if !shape.dreRows && len(s.DreRows) > 0 {
		return ErrValidation(CodeInvalidSpec, "widget_type %q does not accept dre_rows", s.WidgetType)
	}
	if !shape.timeBucket && s.Time != nil && s.Time.Column != "" {
		return ErrValidation(CodeInvalidSpec, "widget_type %q does not accept a time bucket", s.WidgetType)
	}
	for _, req := range shape.requires {
		switch req {
		case "columns":
			if len(s.Columns) == 0 {
				return ErrValidation(CodeInvalidSpec, "widget_type %q requires columns", s.WidgetType)
			}
		case "dre_rows":
			if len(s.DreRows) == 0 {
				return ErrValidation(CodeInvalidSpec, "widget_type %q requires dre_rows", s.WidgetType)
			}
		case "time":
			if s.Time == nil || s.Time.Column == "" {
				return ErrValidation(CodeInvalidSpec, "widget_type %q requires a time bucket", s.WidgetType)
			}
		}
	}

	for i := range s.Metrics {
		if err := s.Metrics[i].validate(); err != nil {
			return err
		}
	}
	if s.CompositeMetric != nil {
		if err := s.CompositeMetric.Inner.validate(); err != nil {
			return err
		}
		if !validAggOp(s.CompositeMetric.Outer) {
			return ErrValidation(CodeInvalidMetric, "unknown outer aggregation %q", s.CompositeMetric.Outer)
		}
		if s.Time == nil || s.Time.Column == "" {
			return ErrValidation(CodeInvalidSpec, "composite_metric requires a time bucket")
		}
	}
	if s.DerivedMetric != nil {
		if strings.TrimSpace(s.DerivedMetric.Formula) == "" {
			return ErrValidation(CodeInvalidFormula, "derived_metric formula is empty")
		}
		if len(s.DerivedMetric.Metrics) == 0 {
			return ErrValidation(CodeInvalidFormula, "derived_metric declares no base metrics")
		}
		for i := range s.DerivedMetric.Metrics {
			if err := s.DerivedMetric.Metrics[i].validate(); err != nil {
				return err
			}
		}
	}
	for _, row := range s.DreRows {
		if strings.TrimSpace(row.Name) == "" {
			return ErrValidation(CodeInvalidSpec, "dre row without a name")
		}
		for i := range row.Metrics {
			if err := row.Metrics[i].validate(); err != nil {
				return err
			}
		}
	}
	for i := range s.Filters {
		if err := s.Filters[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metric) validate() error {
	if !validAggOp(m.Op) {
		return ErrValidation(CodeInvalidMetric, "unknown aggregation %q", m.Op)
	}
	col := strings.TrimSpace(m.Column)
	if m.Op != AggCount && (col == "" || col == "*") {
		return ErrValidation(CodeInvalidMetric, "aggregation %q requires a column", m.Op)
	}
	for i := range m.Filters {
		if err := m.Filters[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) validate() error {
	if strings.TrimSpace(f.Column) == "" {
		return ErrValidation(CodeInvalidFilter, "filter without a column")
	}
	switch f.Op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpContains:
		if f.Value == nil {
			return ErrValidation(CodeInvalidFilter, "filter %q %s requires a value", f.Column, f.Op)
		}
	case OpIn, OpNotIn:
		if _, ok := f.Value.([]interface{}); !ok {
			return ErrValidation(CodeInvalidFilter, "filter %q %s requires a list value", f.Column, f.Op)
		}
	case OpBetween:
		vals, ok := f.Value.([]interface{})
		if !ok || len(vals) != 2 {
			return ErrValidation(CodeInvalidFilter, "filter %q between requires a two-element value", f.Column)
		}
	case OpIsNull, OpNotNull:
		// value ignored
	default:
		return ErrValidation(CodeInvalidFilter, "unknown filter operator %q", f.Op)
	}
	return nil
}

func validAggOp(op AggOp) bool {
	switch op {
	case AggCount, AggSum, AggAvg, AggMin, AggMax, AggDistinctCount:
		return true
	}
	return false
}
