package compiler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"querygrid/internal/domain"
)

var dateOnlyRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// relative date presets, resolved against "now" in the reference timezone
// at compile time. Resolution is never cached inside the canonical form.
var presets = map[string]struct{}{
	"today": {}, "yesterday": {}, "last_7_days": {}, "last_30_days": {},
	"this_month": {}, "this_year": {}, "last_month": {},
}

// filterCond compiles one filter into a SQL condition with bound params.
func (b *builder) filterCond(f domain.Filter) (string, error) {
	if err := validateFilterColumn(f.Column); err != nil {
		return "", err
	}
	col := quoteIdent(f.Column)

	if s, ok := f.Value.(string); ok {
		if _, isPreset := presets[strings.ToLower(s)]; isPreset {
			return b.presetCond(f, strings.ToLower(s))
		}
		if dateOnlyRe.MatchString(s) {
			return b.dateCond(f, s)
		}
	}
	if vals, ok := f.Value.([]interface{}); ok && f.Op == domain.OpBetween && len(vals) == 2 {
		lo, loOK := vals[0].(string)
		hi, hiOK := vals[1].(string)
		if loOK && hiOK && dateOnlyRe.MatchString(lo) && dateOnlyRe.MatchString(hi) {
			return b.dateExpr(f.Column) + " BETWEEN " + b.arg(lo) + "::date AND " + b.arg(hi) + "::date", nil
		}
	}

	switch f.Op {
	case domain.OpEq:
		return col + " = " + b.arg(f.Value), nil
	case domain.OpNeq:
		return col + " <> " + b.arg(f.Value), nil
	case domain.OpGt:
		return col + " > " + b.arg(f.Value), nil
	case domain.OpGte:
		return col + " >= " + b.arg(f.Value), nil
	case domain.OpLt:
		return col + " < " + b.arg(f.Value), nil
	case domain.OpLte:
		return col + " <= " + b.arg(f.Value), nil
	case domain.OpContains:
		s, ok := f.Value.(string)
		if !ok {
			return "", domain.ErrValidation(domain.CodeInvalidFilter, "filter %q contains requires a string value", f.Column)
		}
		return col + " ILIKE " + b.arg("%"+escapeLike(s)+"%"), nil
	case domain.OpIn, domain.OpNotIn:
		return b.listCond(col, f)
	case domain.OpIsNull:
		return col + " IS NULL", nil
	case domain.OpNotNull:
		return col + " IS NOT NULL", nil
	case domain.OpBetween:
		vals, ok := f.Value.([]interface{})
		if !ok || len(vals) != 2 {
			return "", domain.ErrValidation(domain.CodeInvalidFilter, "filter %q between requires a two-element value", f.Column)
		}
		return col + " BETWEEN " + b.arg(vals[0]) + " AND " + b.arg(vals[1]), nil
	default:
		return "", domain.ErrValidation(domain.CodeInvalidFilter, "unknown filter operator %q", f.Op)
	}
}

func (b *builder) listCond(col string, f domain.Filter) (string, error) {
	vals, ok := f.Value.([]interface{})
	if !ok {
		return "", domain.ErrValidation(domain.CodeInvalidFilter, "filter %q %s requires a list value", f.Column, f.Op)
	}
	if len(vals) == 0 {
		// IN () is invalid SQL; an empty list matches nothing / everything.
		if f.Op == domain.OpIn {
			return "FALSE", nil
		}
		return "TRUE", nil
	}
	placeholders := make([]string, len(vals))
	for i, v := range vals {
		placeholders[i] = b.arg(v)
	}
	op := "IN"
	if f.Op == domain.OpNotIn {
		op = "NOT IN"
	}
	return col + " " + op + " (" + strings.Join(placeholders, ", ") + ")", nil
}

// dateExpr renders the timezone-correct date cast of a column. Date-only
// filter values compare against this expression rather than the raw
// column so a day means the caller's day, not UTC's.
func (b *builder) dateExpr(column string) string {
	return "(" + quoteIdent(column) + " AT TIME ZONE '" + b.tz() + "')::date"
}

func (b *builder) tz() string {
	tz := b.opts.Timezone
	if !timezoneRe.MatchString(tz) {
		tz = "UTC"
	}
	return tz
}

// dateCond compiles a comparison against a date-only value. lte is
// rewritten to "< next day" so the bound includes the whole day.
func (b *builder) dateCond(f domain.Filter, day string) (string, error) {
	expr := b.dateExpr(f.Column)
	switch f.Op {
	case domain.OpEq:
		return expr + " = " + b.arg(day) + "::date", nil
	case domain.OpNeq:
		return expr + " <> " + b.arg(day) + "::date", nil
	case domain.OpGt:
		return expr + " > " + b.arg(day) + "::date", nil
	case domain.OpGte:
		return expr + " >= " + b.arg(day) + "::date", nil
	case domain.OpLt:
		return expr + " < " + b.arg(day) + "::date", nil
	case domain.OpLte:
		next, err := nextDay(day)
		if err != nil {
			return "", domain.ErrValidation(domain.CodeInvalidFilter, "filter %q: bad date %q", f.Column, day)
		}
		return expr + " < " + b.arg(next) + "::date", nil
	default:
		return "", domain.ErrValidation(domain.CodeInvalidFilter, "filter %q: operator %s does not accept a date value", f.Column, f.Op)
	}
}

// presetCond resolves a relative date preset into an explicit between
// range over the filter column.
func (b *builder) presetCond(f domain.Filter, preset string) (string, error) {
	switch f.Op {
	case domain.OpEq, domain.OpBetween, domain.OpIn:
	default:
		return "", domain.ErrValidation(domain.CodeInvalidFilter, "filter %q: operator %s does not accept preset %q", f.Column, f.Op, preset)
	}
	start, end, err := b.resolvePreset(preset)
	if err != nil {
		return "", err
	}
	return b.dateExpr(f.Column) + " BETWEEN " + b.arg(start) + "::date AND " + b.arg(end) + "::date", nil
}

// resolvePreset returns the inclusive [start, end] day range for a preset,
// anchored at the current instant in the reference timezone.
func (b *builder) resolvePreset(preset string) (string, string, error) {
	loc, err := time.LoadLocation(b.tz())
	if err != nil {
		loc = time.UTC
	}
	now := b.opts.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	var start, end time.Time
	switch preset {
	case "today":
		start, end = today, today
	case "yesterday":
		start = today.AddDate(0, 0, -1)
		end = start
	case "last_7_days":
		start, end = today.AddDate(0, 0, -6), today
	case "last_30_days":
		start, end = today.AddDate(0, 0, -29), today
	case "this_month":
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		end = today
	case "this_year":
		start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, loc)
		end = today
	case "last_month":
		firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		start = firstOfThis.AddDate(0, -1, 0)
		end = firstOfThis.AddDate(0, 0, -1)
	default:
		return "", "", domain.ErrValidation(domain.CodeInvalidFilter, "unknown date preset %q", preset)
	}
	return start.Format("2006-01-02"), end.Format("2006-01-02"), nil
}

func nextDay(day string) (string, error) {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", day, err)
	}
	return t.AddDate(0, 0, 1).Format("2006-01-02"), nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func validateFilterColumn(col string) error {
	if strings.TrimSpace(col) == "" {
		return domain.ErrValidation(domain.CodeInvalidFilter, "filter without a column")
	}
	return nil
}
