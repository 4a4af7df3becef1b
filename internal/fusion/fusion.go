// Package fusion merges structurally-compatible query specs into one
// physical query and splits the fused result back per member.
package fusion

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"querygrid/internal/canonical"
	"querygrid/internal/domain"
)

// Member is one fusion candidate: a canonical spec plus its position in
// the caller's batch.
type Member struct {
	Index     int
	Spec      domain.QuerySpec
	Signature string
}

// Group is the planner's output: one physical query covering Members.
// When CanFuse is false the group has exactly one member and Spec is that
// member's own spec.
type Group struct {
	Members []Member
	Spec    domain.QuerySpec
	CanFuse bool

	// metricPos maps a member index to the fused metric-list positions of
	// that member's metrics, in the member's own declaration order.
	metricPos map[int][]int
	metaCols  int
}

// Eligible reports whether a spec's shape can participate in fusion at
// all: plain kpi aggregates and bucketed line series only, and nothing
// that changes row identity (offset, top_n, non-default limit).
func Eligible(s *domain.QuerySpec) bool {
	if s.Offset != 0 || s.TopN != 0 || s.Limit != canonical.DefaultLimit {
		return false
	}
	if s.CompositeMetric != nil || s.DerivedMetric != nil || len(s.DreRows) > 0 {
		return false
	}
	if len(s.Metrics) == 0 || len(s.Columns) > 0 {
		return false
	}
	switch s.WidgetType {
	case domain.WidgetKPI:
		return len(s.Dimensions) == 0
	case domain.WidgetLine:
		return s.Time != nil && s.Time.Column != ""
	default:
		return false
	}
}

// Plan partitions members by structural signature, then greedily packs
// each bucket into maximal pairwise-compatible groups. Grouping is
// first-fit in ascending member order, which keeps plans deterministic.
func Plan(members []Member) []Group {
	sorted := append([]Member{}, members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	buckets := make(map[string][]Member)
	var order []string
	for _, m := range sorted {
		key := m.Signature
		if !Eligible(&m.Spec) {
			// Ineligible members each get a singleton bucket.
			key = "solo:" + strconv.Itoa(m.Index)
		}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], m)
	}

	var groups []Group
	for _, key := range order {
		var packs [][]Member
		for _, m := range buckets[key] {
			placed := false
			for i, pack := range packs {
				if compatibleWithAll(m, pack) {
					packs[i] = append(pack, m)
					placed = true
					break
				}
			}
			if !placed {
				packs = append(packs, []Member{m})
			}
		}
		for _, pack := range packs {
			groups = append(groups, buildGroup(pack))
		}
	}
	return groups
}

func compatibleWithAll(m Member, pack []Member) bool {
	if !Eligible(&m.Spec) {
		return false
	}
	for _, other := range pack {
		if !compatible(&m.Spec, &other.Spec) {
			return false
		}
	}
	return true
}

// compatible assumes both specs share a structural signature (resource,
// widget type, filters, group-by). Non-line widgets additionally need an
// identical sort order; line members are re-sorted per member after demux.
func compatible(a, b *domain.QuerySpec) bool {
	if a.WidgetType != b.WidgetType {
		return false
	}
	if a.WidgetType != domain.WidgetLine && jsonKey(a.OrderBy) != jsonKey(b.OrderBy) {
		return false
	}
	return true
}

// buildGroup merges member metric lists, de-duplicating identical metrics
// by canonical JSON form, and records the fused column position of every
// member metric. A group of size 1 is never fused.
func buildGroup(pack []Member) Group {
	g := Group{Members: pack, metricPos: make(map[int][]int)}
	if len(pack) == 1 {
		g.Spec = pack[0].Spec
		return g
	}
	g.CanFuse = true

	fused := pack[0].Spec // filters/order identical across members by construction
	fused.Metrics = nil
	posByKey := make(map[string]int)
	for _, m := range pack {
		positions := make([]int, len(m.Spec.Metrics))
		for i, metric := range m.Spec.Metrics {
			key := jsonKey(metric)
			pos, seen := posByKey[key]
			if !seen {
				pos = len(fused.Metrics)
				fused.Metrics = append(fused.Metrics, metric)
				posByKey[key] = pos
			}
			positions[i] = pos
		}
		g.metricPos[m.Index] = positions
	}
	g.Spec = fused
	g.metaCols = len(fused.Dimensions)
	if fused.WidgetType == domain.WidgetLine {
		g.metaCols++ // the time_bucket column leads
	}
	return g
}

// MetricPositions returns the fused-result metric positions for a member.
func (g *Group) MetricPositions(memberIndex int) []int {
	return g.metricPos[memberIndex]
}

// Demux projects one member's view out of the fused result: non-metric
// columns pass through unchanged, the member's metric columns are renamed
// back to m0..mN in the member's own order, and line rows are re-sorted
// by the member's own requested order.
func (g *Group) Demux(columns []string, rows [][]interface{}, member Member) ([]string, [][]interface{}) {
	if !g.CanFuse {
		return columns, rows
	}
	positions := g.metricPos[member.Index]

	outCols := make([]string, 0, g.metaCols+len(positions))
	outCols = append(outCols, columns[:g.metaCols]...)
	for i := range positions {
		outCols = append(outCols, "m"+strconv.Itoa(i))
	}

	outRows := make([][]interface{}, len(rows))
	for r, row := range rows {
		out := make([]interface{}, 0, len(outCols))
		out = append(out, row[:g.metaCols]...)
		for _, pos := range positions {
			out = append(out, row[g.metaCols+pos])
		}
		outRows[r] = out
	}

	if member.Spec.WidgetType == domain.WidgetLine {
		sortRows(outCols, outRows, member.Spec.OrderBy)
	}
	return outCols, outRows
}

// sortRows orders projected rows by the member's own order terms; rows of
// a fused execution carry no order guarantee across members. Defaults to
// ascending time_bucket.
func sortRows(columns []string, rows [][]interface{}, order []domain.OrderBy) {
	type sortTerm struct {
		idx  int
		desc bool
	}
	var terms []sortTerm
	for _, t := range order {
		if idx := columnIndex(columns, t.Column); idx >= 0 {
			terms = append(terms, sortTerm{idx: idx, desc: t.Direction == "desc"})
		}
	}
	if len(terms) == 0 {
		idx := columnIndex(columns, "time_bucket")
		if idx < 0 {
			return
		}
		terms = []sortTerm{{idx: idx}}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, t := range terms {
			c := compareValues(rows[i][t.idx], rows[j][t.idx])
			if c == 0 {
				continue
			}
			if t.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func jsonKey(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
