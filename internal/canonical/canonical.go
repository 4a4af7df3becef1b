// Package canonical normalizes query specs into a stable canonical form and
// derives the dedupe/cache keys and the structural signature used by the
// fusion planner.
//
// Expression normalization is a best-effort heuristic: it recognizes exactly
// trailing ::type casts, DATE_TRUNC('<gran>', <col>) and
// <col> AT TIME ZONE '<tz>' wrappers. Any other SQL expression passes
// through untouched and will fragment cache and fusion keys. That is
// accepted lossy behavior, not something to fix by over-normalizing.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"querygrid/internal/domain"
)

// DefaultTimezone is assumed whenever a spec carries no timezone.
const DefaultTimezone = "America/Sao_Paulo"

// DefaultLimit is pinned onto every non-tabular widget so that irrelevant
// limit differences never fragment the cache.
const DefaultLimit = 1000

var (
	castRe       = regexp.MustCompile(`(?i)::\s*[a-z_][a-z0-9_]*(\(\d+\))?$`)
	dateTruncRe  = regexp.MustCompile(`(?i)^date_trunc\(\s*'([a-z]+)'\s*,\s*(.+?)\s*\)$`)
	atTimeZoneRe = regexp.MustCompile(`(?i)^(.+?)\s+at\s+time\s+zone\s+'([^']+)'$`)
	wsRe         = regexp.MustCompile(`\s+`)
	numericRe    = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// Result is the outcome of canonicalizing one spec.
type Result struct {
	Spec      domain.QuerySpec // normalized copy, safe to compile
	Payload   []byte           // canonical JSON of Spec
	Signature string           // structural signature for fusion grouping
}

// Canonicalize produces the canonical form of a spec. Deterministic, pure,
// no I/O. Two specs denoting the same logical query yield byte-identical
// payloads.
func Canonicalize(spec domain.QuerySpec) (*Result, error) {
	s := spec // shallow copy; container fields are rebuilt below

	s.ResourceID = strings.ToLower(strings.TrimSpace(s.ResourceID))
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	s.Time = normalizeTime(s.Time, s.Timezone)

	s.Metrics = normalizeMetrics(spec.Metrics)
	s.Dimensions = normalizeDimensions(spec.Dimensions)
	s.Filters = normalizeFilters(spec.Filters)
	s.Columns = normalizeColumns(spec.Columns)

	// Legacy "sort" and current "order_by" fold into one list.
	s.OrderBy = normalizeOrder(append(append([]domain.OrderBy{}, spec.OrderBy...), spec.Sort...))
	s.Sort = nil

	if s.CompositeMetric != nil {
		cm := *s.CompositeMetric
		cm.Inner = normalizeMetric(cm.Inner)
		s.CompositeMetric = &cm
	}
	if s.DerivedMetric != nil {
		dm := *s.DerivedMetric
		dm.Formula = collapseWhitespace(strings.ToLower(dm.Formula))
		if dm.DivideByZero == "" {
			dm.DivideByZero = "null"
		}
		metrics := make([]domain.Metric, len(dm.Metrics))
		for i, m := range dm.Metrics {
			metrics[i] = normalizeMetric(m) // declared order kept: positional refs
		}
		dm.Metrics = metrics
		s.DerivedMetric = &dm
	}

	// Row order is meaningful for dre; normalize contents only.
	if len(s.DreRows) > 0 {
		rows := make([]domain.DreRow, len(s.DreRows))
		for i, row := range s.DreRows {
			metrics := make([]domain.Metric, len(row.Metrics))
			for j, m := range row.Metrics {
				metrics[j] = normalizeMetric(m)
			}
			rows[i] = domain.DreRow{Name: strings.TrimSpace(row.Name), Metrics: metrics}
		}
		s.DreRows = rows
	}

	if s.WidgetType != domain.WidgetTable {
		s.Limit = DefaultLimit
	}

	payload, err := json.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical spec: %w", err)
	}
	return &Result{Spec: s, Payload: payload, Signature: signature(&s)}, nil
}

// Keys derives the (dedupe, cache) key pair. The datasource connection
// identity is part of both so identical specs against different
// datasources never collide.
func Keys(connIdentity string, payload []byte) (dedupeKey, cacheKey string) {
	return hashKey("dedupe", connIdentity, payload), hashKey("cache", connIdentity, payload)
}

func hashKey(scope, connIdentity string, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", scope, connIdentity)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// signature is the coarse fusion grouping key: resource, widget type,
// sorted filter keys, and the group-by signature. It ignores which metrics
// are requested.
func signature(s *domain.QuerySpec) string {
	parts := []string{string(s.WidgetType), s.ResourceID}
	for _, f := range s.Filters {
		b, _ := json.Marshal(f)
		parts = append(parts, string(b))
	}
	groupBy := []string{}
	if s.Time != nil {
		groupBy = append(groupBy, s.Time.Granularity+"|"+s.Time.Column+"|"+s.Time.Timezone)
	}
	groupBy = append(groupBy, s.Dimensions...)
	parts = append(parts, strings.Join(groupBy, ","))

	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])
}

// normalizeTime folds recognized SQL wrappers on the bucket column into the
// block's granularity/column/timezone and collapses an effectively-empty
// block to nil, so that an absent block and an explicit default-timezone
// block canonicalize identically.
func normalizeTime(t *domain.TimeBlock, defaultTZ string) *domain.TimeBlock {
	if t == nil {
		return nil
	}
	out := *t
	out.Column = collapseWhitespace(out.Column)
	out.Granularity = strings.ToLower(strings.TrimSpace(out.Granularity))
	if out.Timezone == "" {
		out.Timezone = defaultTZ
	}

	// Fold wrappers before lowercasing so timezone names keep their case.
	for {
		if stripped := strings.TrimSpace(castRe.ReplaceAllString(out.Column, "")); stripped != out.Column {
			out.Column = stripped
			continue
		}
		if m := atTimeZoneRe.FindStringSubmatch(out.Column); m != nil {
			out.Column = strings.TrimSpace(m[1])
			out.Timezone = m[2]
			continue
		}
		if m := dateTruncRe.FindStringSubmatch(out.Column); m != nil {
			out.Granularity = strings.ToLower(m[1])
			out.Column = strings.TrimSpace(m[2])
			continue
		}
		break
	}
	out.Column = NormalizeExpr(out.Column)

	if out.Column == "" && out.Granularity == "" && out.Timezone == defaultTZ {
		return nil
	}
	return &out
}

// NormalizeExpr lowercases, collapses whitespace, and strips trailing
// ::type casts from a column or expression string.
func NormalizeExpr(expr string) string {
	expr = collapseWhitespace(strings.ToLower(expr))
	for {
		stripped := castRe.ReplaceAllString(expr, "")
		if stripped == expr {
			return expr
		}
		expr = strings.TrimSpace(stripped)
	}
}

func collapseWhitespace(s string) string {
	return wsRe.ReplaceAllString(strings.TrimSpace(s), " ")
}

func normalizeMetric(m domain.Metric) domain.Metric {
	out := m
	out.Column = NormalizeExpr(m.Column)
	if out.Column == "*" {
		out.Column = ""
	}
	out.Alias = strings.ToLower(strings.TrimSpace(m.Alias))
	out.Filters = normalizeFilters(m.Filters)
	return out
}

func normalizeMetrics(metrics []domain.Metric) []domain.Metric {
	out := make([]domain.Metric, len(metrics))
	for i, m := range metrics {
		out[i] = normalizeMetric(m)
	}
	return dedupeSortJSON(out)
}

func normalizeDimensions(dims []string) []string {
	if len(dims) == 0 {
		return nil
	}
	out := make([]string, len(dims))
	for i, d := range dims {
		out[i] = NormalizeExpr(d)
	}
	sort.Strings(out)
	return dedupeStrings(out)
}

// normalizeColumns keeps declared order: table columns are projected in the
// order the spec lists them. Duplicates keep their first occurrence.
func normalizeColumns(cols []string) []string {
	if len(cols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(cols))
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		n := NormalizeExpr(c)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func normalizeFilters(filters []domain.Filter) []domain.Filter {
	out := make([]domain.Filter, len(filters))
	for i, f := range filters {
		out[i] = domain.Filter{
			Column: NormalizeExpr(f.Column),
			Op:     f.Op,
			Value:  NormalizeValue(f.Value),
		}
	}
	return dedupeSortJSON(out)
}

func normalizeOrder(terms []domain.OrderBy) []domain.OrderBy {
	out := make([]domain.OrderBy, len(terms))
	for i, t := range terms {
		dir := strings.ToLower(strings.TrimSpace(t.Direction))
		if dir != "desc" {
			dir = "asc"
		}
		out[i] = domain.OrderBy{Column: NormalizeExpr(t.Column), Direction: dir}
	}
	return dedupeSortJSON(out)
}

// NormalizeValue maps scalar values onto canonical types: numeric-looking
// strings to numbers, boolean-looking strings to booleans, datetimes to
// second-truncated ISO-8601. Date-only strings are kept as dates so the
// filter compiler can keep treating them as whole days.
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = NormalizeValue(item)
		}
		return out
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case string:
		trimmed := strings.TrimSpace(val)
		if numericRe.MatchString(trimmed) {
			if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
				return f
			}
		}
		switch strings.ToLower(trimmed) {
		case "true":
			return true
		case "false":
			return false
		}
		if ts, ok := parseDatetime(trimmed); ok {
			return ts.Truncate(time.Second).Format("2006-01-02T15:04:05Z07:00")
		}
		return trimmed
	default:
		return v
	}
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseDatetime(s string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// dedupeSortJSON orders a slice by the canonical JSON form of its elements
// and drops exact duplicates.
func dedupeSortJSON[T any](items []T) []T {
	if len(items) == 0 {
		return nil
	}
	type keyed struct {
		key  string
		item T
	}
	keyedItems := make([]keyed, len(items))
	for i, item := range items {
		b, _ := json.Marshal(item)
		keyedItems[i] = keyed{key: string(b), item: item}
	}
	sort.SliceStable(keyedItems, func(i, j int) bool { return keyedItems[i].key < keyedItems[j].key })

	out := make([]T, 0, len(items))
	var last string
	for i, ki := range keyedItems {
		if i > 0 && ki.key == last {
			continue
		}
		out = append(out, ki.item)
		last = ki.key
	}
	return out
}

func dedupeStrings(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
