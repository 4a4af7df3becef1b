// Package compiler turns canonical query specs into parameterized,
// read-only PostgreSQL. Every user-controlled value is bound as a
// parameter; every identifier is quoted with a doubled-quote escape.
package compiler

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"querygrid/internal/canonical"
	"querygrid/internal/domain"
)

// Options configure dialect-independent compile inputs.
type Options struct {
	// Timezone anchors relative date presets and date-only filter
	// comparisons. Defaults to the canonical default timezone.
	Timezone string
	// Now is the clock used to resolve relative presets. Defaults to
	// time.Now. Preset resolution happens fresh on every compile.
	Now func() time.Time
}

// Compiled is the output of one compile: SQL text, bound parameters, and
// the effective row limit the executor must enforce.
type Compiled struct {
	SQL    string
	Params []interface{}
	Limit  int
}

var (
	identPartRe   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*$`)
	timezoneRe    = regexp.MustCompile(`^[A-Za-z0-9_+\-/:]+$`)
	bucketTokenRe = regexp.MustCompile(`^__(month|week|weekday|hour)\((.+)\)$`)
)

var granularities = map[string]bool{
	"hour": true, "day": true, "week": true, "month": true, "quarter": true, "year": true,
}

// Compile compiles a spec against the given row ceiling. The spec should
// already be canonicalized; Compile still validates everything it touches.
func Compile(spec domain.QuerySpec, maxRows int, opts Options) (*Compiled, error) {
	if opts.Timezone == "" {
		opts.Timezone = canonical.DefaultTimezone
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	b := &builder{opts: opts, maxRows: maxRows}

	switch {
	case spec.WidgetType == domain.WidgetText:
		// Text widgets carry no query; compile to a guaranteed-empty result.
		return &Compiled{SQL: "SELECT NULL AS text WHERE FALSE", Params: nil, Limit: 0}, nil
	case spec.WidgetType == domain.WidgetDre:
		return b.compileDre(spec)
	case spec.WidgetType == domain.WidgetKPI && spec.CompositeMetric != nil:
		return b.compileComposite(spec)
	case spec.WidgetType == domain.WidgetKPI && spec.DerivedMetric != nil:
		return b.compileDerived(spec)
	default:
		return b.compileSelect(spec)
	}
}

type builder struct {
	params  []interface{}
	opts    Options
	maxRows int
}

func (b *builder) arg(v interface{}) string {
	b.params = append(b.params, v)
	return "$" + strconv.Itoa(len(b.params))
}

// quoteIdent quotes one identifier, doubling embedded double quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// resourceSQL validates and quotes a schema-qualified table or view name.
func resourceSQL(resourceID string) (string, error) {
	parts := strings.Split(resourceID, ".")
	if len(parts) > 2 {
		return "", domain.ErrValidation(domain.CodeInvalidResourceID, "resource %q has too many parts", resourceID)
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		if !identPartRe.MatchString(p) {
			return "", domain.ErrValidation(domain.CodeInvalidResourceID, "resource part %q is not a valid identifier", p)
		}
		quoted[i] = quoteIdent(p)
	}
	return strings.Join(quoted, "."), nil
}

// metricExpr renders one aggregate expression, including per-metric
// FILTER (WHERE ...) clauses.
func (b *builder) metricExpr(m domain.Metric) (string, error) {
	col := strings.TrimSpace(m.Column)
	var expr string
	switch m.Op {
	case domain.AggCount:
		if col == "" || col == "*" {
			expr = "COUNT(*)"
		} else {
			expr = "COUNT(" + quoteIdent(col) + ")"
		}
	case domain.AggDistinctCount:
		expr = "COUNT(DISTINCT " + quoteIdent(col) + ")"
	case domain.AggSum, domain.AggAvg, domain.AggMin, domain.AggMax:
		expr = strings.ToUpper(string(m.Op)) + "(" + quoteIdent(col) + ")"
	default:
		return "", domain.ErrValidation(domain.CodeInvalidMetric, "unknown aggregation %q", m.Op)
	}
	if len(m.Filters) > 0 {
		conds := make([]string, 0, len(m.Filters))
		for _, f := range m.Filters {
			cond, err := b.filterCond(f)
			if err != nil {
				return "", err
			}
			conds = append(conds, cond)
		}
		expr += " FILTER (WHERE " + strings.Join(conds, " AND ") + ")"
	}
	return expr, nil
}

// dimensionExpr renders a dimension: either a plain column or one of the
// temporal bucket tokens __month/__week/__weekday/__hour.
func dimensionExpr(dim string) (string, error) {
	m := bucketTokenRe.FindStringSubmatch(dim)
	if m == nil {
		return quoteIdent(dim), nil
	}
	col := quoteIdent(strings.TrimSpace(m[2]))
	switch m[1] {
	case "month":
		return "TO_CHAR(DATE_TRUNC('month', " + col + "), 'YYYY-MM')", nil
	case "week":
		return "TO_CHAR(DATE_TRUNC('week', " + col + "), 'IYYY-IW')", nil
	case "weekday":
		return "CASE EXTRACT(ISODOW FROM " + col + ")" +
			" WHEN 1 THEN 'monday' WHEN 2 THEN 'tuesday' WHEN 3 THEN 'wednesday'" +
			" WHEN 4 THEN 'thursday' WHEN 5 THEN 'friday' WHEN 6 THEN 'saturday'" +
			" WHEN 7 THEN 'sunday' END", nil
	case "hour":
		return "EXTRACT(HOUR FROM " + col + ")", nil
	}
	return "", domain.ErrValidation(domain.CodeInvalidSpec, "unknown bucket token in dimension %q", dim)
}

// timeBucketExpr renders DATE_TRUNC over the timezone-shifted time column.
func timeBucketExpr(t *domain.TimeBlock) (string, error) {
	gran := t.Granularity
	if gran == "" {
		gran = "day"
	}
	if !granularities[gran] {
		return "", domain.ErrValidation(domain.CodeInvalidSpec, "unknown time granularity %q", gran)
	}
	tz := t.Timezone
	if tz == "" {
		tz = canonical.DefaultTimezone
	}
	if !timezoneRe.MatchString(tz) {
		return "", domain.ErrValidation(domain.CodeInvalidSpec, "invalid timezone %q", tz)
	}
	return "DATE_TRUNC('" + gran + "', " + quoteIdent(t.Column) + " AT TIME ZONE '" + tz + "')", nil
}

// whereClause compiles spec filters plus the optional time range.
func (b *builder) whereClause(spec domain.QuerySpec) (string, error) {
	conds := make([]string, 0, len(spec.Filters)+2)
	for _, f := range spec.Filters {
		cond, err := b.filterCond(f)
		if err != nil {
			return "", err
		}
		conds = append(conds, cond)
	}
	if tr := spec.TimeRange; tr != nil && spec.Time != nil && spec.Time.Column != "" {
		col := quoteIdent(spec.Time.Column)
		if tr.Start != "" {
			conds = append(conds, col+" >= "+b.arg(tr.Start))
		}
		if tr.End != "" {
			conds = append(conds, col+" < "+b.arg(tr.End))
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func (b *builder) orderClause(terms []domain.OrderBy) string {
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		dir := "ASC"
		if strings.EqualFold(t.Direction, "desc") {
			dir = "DESC"
		}
		parts[i] = quoteIdent(t.Column) + " " + dir
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// effectiveLimit applies the limit rules: only table widgets honor their
// declared limit and only categorical charts honor top_n; everything else
// uses the caller-supplied ceiling.
func (b *builder) effectiveLimit(spec domain.QuerySpec) int {
	limit := b.maxRows
	switch {
	case spec.WidgetType == domain.WidgetTable && spec.Limit > 0:
		limit = spec.Limit
	case spec.WidgetType.IsCategorical() && spec.TopN > 0:
		limit = spec.TopN
	}
	if limit <= 0 || limit > b.maxRows {
		limit = b.maxRows
	}
	return limit
}

// compileSelect handles table widgets and plain aggregate widgets
// (kpi without composite/derived, line, bar, column, donut).
func (b *builder) compileSelect(spec domain.QuerySpec) (*Compiled, error) {
	from, err := resourceSQL(spec.ResourceID)
	if err != nil {
		return nil, err
	}

	var selectParts, groupParts []string

	if len(spec.Columns) > 0 {
		for _, c := range spec.Columns {
			selectParts = append(selectParts, quoteIdent(c))
		}
	} else {
		if spec.WidgetType == domain.WidgetLine {
			bucket, err := timeBucketExpr(spec.Time)
			if err != nil {
				return nil, err
			}
			selectParts = append(selectParts, bucket+` AS "time_bucket"`)
			groupParts = append(groupParts, bucket)
		}
		for _, d := range spec.Dimensions {
			expr, err := dimensionExpr(d)
			if err != nil {
				return nil, err
			}
			selectParts = append(selectParts, expr+" AS "+quoteIdent(d))
			groupParts = append(groupParts, expr)
		}
		for i, m := range spec.Metrics {
			expr, err := b.metricExpr(m)
			if err != nil {
				return nil, err
			}
			selectParts = append(selectParts, expr+" AS "+quoteIdent("m"+strconv.Itoa(i)))
		}
		if len(selectParts) == 0 {
			return nil, domain.ErrValidation(domain.CodeInvalidSpec, "spec selects nothing")
		}
	}

	where, err := b.whereClause(spec)
	if err != nil {
		return nil, err
	}

	sql := "SELECT " + strings.Join(selectParts, ", ") + " FROM " + from + where
	if len(groupParts) > 0 {
		sql += " GROUP BY " + strings.Join(groupParts, ", ")
	}
	sql += b.orderClause(spec.OrderBy)

	limit := b.effectiveLimit(spec)
	sql += " LIMIT " + strconv.Itoa(limit)
	if spec.Offset > 0 {
		sql += " OFFSET " + strconv.Itoa(spec.Offset)
	}

	return &Compiled{SQL: sql, Params: b.params, Limit: limit}, nil
}

// compileDre sums COALESCE-guarded metric sums per declared row, one
// output column per row, in declared order.
func (b *builder) compileDre(spec domain.QuerySpec) (*Compiled, error) {
	from, err := resourceSQL(spec.ResourceID)
	if err != nil {
		return nil, err
	}
	selectParts := make([]string, 0, len(spec.DreRows))
	for _, row := range spec.DreRows {
		terms := make([]string, 0, len(row.Metrics))
		for _, m := range row.Metrics {
			expr, err := b.metricExpr(m)
			if err != nil {
				return nil, err
			}
			terms = append(terms, "COALESCE("+expr+", 0)")
		}
		if len(terms) == 0 {
			terms = append(terms, "0")
		}
		selectParts = append(selectParts, strings.Join(terms, " + ")+" AS "+quoteIdent(row.Name))
	}
	where, err := b.whereClause(spec)
	if err != nil {
		return nil, err
	}
	sql := "SELECT " + strings.Join(selectParts, ", ") + " FROM " + from + where + " LIMIT 1"
	return &Compiled{SQL: sql, Params: b.params, Limit: 1}, nil
}

// compileComposite compiles a two-level aggregate: the inner aggregation
// grouped by a time bucket in a subquery, the outer over the bucket values.
func (b *builder) compileComposite(spec domain.QuerySpec) (*Compiled, error) {
	from, err := resourceSQL(spec.ResourceID)
	if err != nil {
		return nil, err
	}
	bucket, err := timeBucketExpr(spec.Time)
	if err != nil {
		return nil, err
	}
	inner, err := b.metricExpr(spec.CompositeMetric.Inner)
	if err != nil {
		return nil, err
	}
	where, err := b.whereClause(spec)
	if err != nil {
		return nil, err
	}
	outer := spec.CompositeMetric.Outer
	outerFn, err := outerAggSQL(outer)
	if err != nil {
		return nil, err
	}
	sql := "SELECT " + outerFn + `("bucket_value") AS "m0" FROM (` +
		"SELECT " + inner + ` AS "bucket_value" FROM ` + from + where +
		" GROUP BY " + bucket + `) AS "buckets"`
	return &Compiled{SQL: sql, Params: b.params, Limit: 1}, nil
}

func outerAggSQL(op domain.AggOp) (string, error) {
	switch op {
	case domain.AggSum, domain.AggAvg, domain.AggMin, domain.AggMax:
		return strings.ToUpper(string(op)), nil
	case domain.AggCount:
		return "COUNT", nil
	default:
		return "", domain.ErrValidation(domain.CodeInvalidMetric, "composite outer aggregation %q not supported", op)
	}
}

// compileDerived compiles the base metrics as aliased columns of a CTE and
// evaluates the formula over those aliases in the final SELECT.
func (b *builder) compileDerived(spec domain.QuerySpec) (*Compiled, error) {
	from, err := resourceSQL(spec.ResourceID)
	if err != nil {
		return nil, err
	}
	dm := spec.DerivedMetric

	aliases := make([]string, len(dm.Metrics))
	selectParts := make([]string, len(dm.Metrics))
	for i, m := range dm.Metrics {
		alias := m.Alias
		if alias == "" {
			alias = "m" + strconv.Itoa(i)
		}
		aliases[i] = alias
		expr, err := b.metricExpr(m)
		if err != nil {
			return nil, err
		}
		selectParts[i] = expr + " AS " + quoteIdent(alias)
	}

	formulaSQL, err := compileFormula(dm.Formula, aliases, dm.DivideByZero)
	if err != nil {
		return nil, err
	}

	where, err := b.whereClause(spec)
	if err != nil {
		return nil, err
	}
	sql := `WITH "base" AS (SELECT ` + strings.Join(selectParts, ", ") + " FROM " + from + where + ")" +
		" SELECT " + formulaSQL + ` AS "m0" FROM "base"`
	return &Compiled{SQL: sql, Params: b.params, Limit: 1}, nil
}
