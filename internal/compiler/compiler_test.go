package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querygrid/internal/domain"
)

func utcOpts(now string) Options {
	ts, _ := time.Parse(time.RFC3339, now)
	return Options{Timezone: "UTC", Now: func() time.Time { return ts }}
}

func TestCompile_KPICount(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) AS "m0" FROM "orders" LIMIT 1000`, c.SQL)
	assert.Empty(t, c.Params)
	assert.Equal(t, 1000, c.Limit)
}

func TestCompile_SchemaQualifiedResource(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "public.orders",
		WidgetType: domain.WidgetKPI,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `FROM "public"."orders"`)
}

func TestCompile_BarWithDimensionAndFilter(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetBar,
		Dimensions: []string{"region"},
		Metrics:    []domain.Metric{{Column: "amount", Op: domain.AggSum}},
		Filters:    []domain.Filter{{Column: "status", Op: domain.OpEq, Value: "paid"}},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "region" AS "region", SUM("amount") AS "m0" FROM "orders"`+
			` WHERE "status" = $1 GROUP BY "region" LIMIT 1000`, c.SQL)
	assert.Equal(t, []interface{}{"paid"}, c.Params)
}

func TestCompile_LineTimeBucket(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetLine,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
		Time:       &domain.TimeBlock{Column: "created_at", Granularity: "day", Timezone: "UTC"},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	bucket := `DATE_TRUNC('day', "created_at" AT TIME ZONE 'UTC')`
	assert.Equal(t,
		"SELECT "+bucket+` AS "time_bucket", COUNT(*) AS "m0" FROM "orders" GROUP BY `+bucket+" LIMIT 1000",
		c.SQL)
}

func TestCompile_RejectsUnknownGranularityAndTimezone(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetLine,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
		Time:       &domain.TimeBlock{Column: "created_at", Granularity: "fortnight"},
	}
	_, err := Compile(spec, 1000, Options{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidSpec, domain.ErrorCode(err))

	spec.Time = &domain.TimeBlock{Column: "created_at", Granularity: "day", Timezone: "UTC'; DROP TABLE x"}
	_, err = Compile(spec, 1000, Options{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidSpec, domain.ErrorCode(err))
}

func TestCompile_MetricFilter(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		Metrics: []domain.Metric{{
			Column:  "amount",
			Op:      domain.AggSum,
			Filters: []domain.Filter{{Column: "status", Op: domain.OpEq, Value: "paid"}},
		}},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t, `SELECT SUM("amount") FILTER (WHERE "status" = $1) AS "m0" FROM "orders" LIMIT 1000`, c.SQL)
	assert.Equal(t, []interface{}{"paid"}, c.Params)
}

func TestCompile_BucketTokenDimensions(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetBar,
		Dimensions: []string{"__month(created_at)"},
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `TO_CHAR(DATE_TRUNC('month', "created_at"), 'YYYY-MM')`)

	spec.Dimensions = []string{"__weekday(created_at)"}
	c, err = Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "EXTRACT(ISODOW FROM")

	spec.Dimensions = []string{"__hour(created_at)"}
	c, err = Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `EXTRACT(HOUR FROM "created_at")`)
}

func TestCompile_TableLimitAndOffset(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetTable,
		Columns:    []string{"id", "amount"},
		Limit:      50,
		Offset:     10,
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "amount" FROM "orders" LIMIT 50 OFFSET 10`, c.SQL)
	assert.Equal(t, 50, c.Limit)

	spec.Limit = 50000
	spec.Offset = 0
	c, err = Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1000, c.Limit, "declared limit never exceeds the row ceiling")
}

func TestCompile_TopNOnCategoricalOnly(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetDonut,
		Dimensions: []string{"region"},
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
		TopN:       5,
		OrderBy:    []domain.OrderBy{{Column: "m0", Direction: "desc"}},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `ORDER BY "m0" DESC LIMIT 5`)
	assert.Equal(t, 5, c.Limit)

	spec.WidgetType = domain.WidgetKPI
	spec.Dimensions = nil
	spec.OrderBy = nil
	c, err = Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1000, c.Limit, "top_n is ignored off categorical charts")
}

func TestCompile_TimeRange(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
		Time:       &domain.TimeBlock{Column: "created_at"},
		TimeRange:  &domain.TimeRange{Start: "2024-01-01T00:00:00Z", End: "2024-02-01T00:00:00Z"},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `"created_at" >= $1 AND "created_at" < $2`)
	assert.Equal(t, []interface{}{"2024-01-01T00:00:00Z", "2024-02-01T00:00:00Z"}, c.Params)
}

func TestCompile_Text(t *testing.T) {
	spec := domain.QuerySpec{ResourceID: "orders", WidgetType: domain.WidgetText}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT NULL AS text WHERE FALSE", c.SQL)
	assert.Equal(t, 0, c.Limit)
}

func TestCompile_Dre(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "ledger",
		WidgetType: domain.WidgetDre,
		DreRows: []domain.DreRow{
			{Name: "revenue", Metrics: []domain.Metric{{Column: "credit", Op: domain.AggSum}}},
			{Name: "costs", Metrics: []domain.Metric{
				{Column: "debit", Op: domain.AggSum},
				{Column: "fees", Op: domain.AggSum},
			}},
		},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT COALESCE(SUM("credit"), 0) AS "revenue",`+
			` COALESCE(SUM("debit"), 0) + COALESCE(SUM("fees"), 0) AS "costs"`+
			` FROM "ledger" LIMIT 1`, c.SQL)
	assert.Equal(t, 1, c.Limit)
}

func TestCompile_Composite(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID:      "orders",
		WidgetType:      domain.WidgetKPI,
		CompositeMetric: &domain.CompositeMetric{Inner: domain.Metric{Column: "amount", Op: domain.AggSum}, Outer: domain.AggAvg},
		Time:            &domain.TimeBlock{Column: "created_at", Granularity: "day", Timezone: "UTC"},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT AVG("bucket_value") AS "m0" FROM (`+
			`SELECT SUM("amount") AS "bucket_value" FROM "orders"`+
			` GROUP BY DATE_TRUNC('day', "created_at" AT TIME ZONE 'UTC')) AS "buckets"`, c.SQL)
	assert.Equal(t, 1, c.Limit)
}

func TestCompile_Derived(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		DerivedMetric: &domain.DerivedMetric{
			Formula: "paid / total",
			Metrics: []domain.Metric{
				{Column: "amount", Op: domain.AggSum, Alias: "paid"},
				{Op: domain.AggCount, Alias: "total"},
			},
		},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Equal(t,
		`WITH "base" AS (SELECT SUM("amount") AS "paid", COUNT(*) AS "total" FROM "orders")`+
			` SELECT ("paid" / NULLIF("total", 0)) AS "m0" FROM "base"`, c.SQL)
}

func TestCompile_DerivedDivideByZeroPolicy(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		DerivedMetric: &domain.DerivedMetric{
			Formula:      "m0 / m1",
			DivideByZero: "zero",
			Metrics: []domain.Metric{
				{Column: "amount", Op: domain.AggSum},
				{Op: domain.AggCount},
			},
		},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `COALESCE(("m0" / NULLIF("m1", 0)), 0)`)
}

func TestCompile_DateOnlyFilters(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
		Filters:    []domain.Filter{{Column: "created_at", Op: domain.OpLte, Value: "2024-05-31"}},
	}
	c, err := Compile(spec, 1000, Options{Timezone: "UTC"})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `("created_at" AT TIME ZONE 'UTC')::date < $1::date`)
	assert.Equal(t, []interface{}{"2024-06-01"}, c.Params, "lte over a date covers the whole day")

	spec.Filters = []domain.Filter{{Column: "created_at", Op: domain.OpEq, Value: "2024-05-31"}}
	c, err = Compile(spec, 1000, Options{Timezone: "UTC"})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `("created_at" AT TIME ZONE 'UTC')::date = $1::date`)

	spec.Filters = []domain.Filter{{
		Column: "created_at",
		Op:     domain.OpBetween,
		Value:  []interface{}{"2024-05-01", "2024-05-31"},
	}}
	c, err = Compile(spec, 1000, Options{Timezone: "UTC"})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `("created_at" AT TIME ZONE 'UTC')::date BETWEEN $1::date AND $2::date`)
}

func TestCompile_RelativePresets(t *testing.T) {
	opts := utcOpts("2024-05-15T12:00:00Z")
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
		Filters:    []domain.Filter{{Column: "created_at", Op: domain.OpEq, Value: "last_7_days"}},
	}
	c, err := Compile(spec, 1000, opts)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"2024-05-09", "2024-05-15"}, c.Params)

	spec.Filters[0].Value = "last_month"
	c, err = Compile(spec, 1000, opts)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"2024-04-01", "2024-04-30"}, c.Params)

	spec.Filters[0].Value = "yesterday"
	c, err = Compile(spec, 1000, opts)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"2024-05-14", "2024-05-14"}, c.Params)

	// Resolution is anchored at compile time, not cached.
	later := utcOpts("2024-06-01T12:00:00Z")
	spec.Filters[0].Value = "today"
	c, err = Compile(spec, 1000, later)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"2024-06-01", "2024-06-01"}, c.Params)
}

func TestCompile_ContainsEscapesWildcards(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
		Filters:    []domain.Filter{{Column: "note", Op: domain.OpContains, Value: "50%_off"}},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, `"note" ILIKE $1`)
	assert.Equal(t, []interface{}{`%50\%\_off%`}, c.Params)
}

func TestCompile_EmptyListFilters(t *testing.T) {
	spec := domain.QuerySpec{
		ResourceID: "orders",
		WidgetType: domain.WidgetKPI,
		Metrics:    []domain.Metric{{Op: domain.AggCount}},
		Filters:    []domain.Filter{{Column: "region", Op: domain.OpIn, Value: []interface{}{}}},
	}
	c, err := Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "WHERE FALSE")

	spec.Filters[0].Op = domain.OpNotIn
	c, err = Compile(spec, 1000, Options{})
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "WHERE TRUE")
}

func TestQuoteIdent_DoublesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `"re""gion"`, quoteIdent(`re"gion`))
}

func TestResourceSQL_RejectsBadIdentifiers(t *testing.T) {
	_, err := resourceSQL("a.b.c")
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidResourceID, domain.ErrorCode(err))

	_, err = resourceSQL("orders; DROP TABLE users")
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidResourceID, domain.ErrorCode(err))

	_, err = resourceSQL(`orders"`)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidResourceID, domain.ErrorCode(err))
}
