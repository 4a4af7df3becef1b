// Package pipeline orchestrates batch query execution: canonicalize,
// dedupe, cache, fuse, execute under single-flight with bounded
// concurrency, demultiplex, audit.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"querygrid/internal/cache"
	"querygrid/internal/canonical"
	"querygrid/internal/compiler"
	"querygrid/internal/domain"
	"querygrid/internal/engine"
	"querygrid/internal/fusion"
	"querygrid/internal/registry"
)

// Executor runs one physical query. Implemented by engine.Engine.
type Executor interface {
	Query(ctx context.Context, connURL, sqlText string, params []interface{}, maxRows int) ([]string, [][]interface{}, error)
}

// Config bounds pipeline resources.
type Config struct {
	MaxConcurrency int           // concurrent group executions per batch
	QueryTimeout   time.Duration // hard per-query deadline
	MaxRows        int           // row ceiling per logical query
	InflightTTL    time.Duration // single-flight entry expiry
	Timezone       string        // reference timezone for date presets
}

// Request is one (request-id, spec) pair of a batch.
type Request struct {
	RequestID    string           `json:"request_id"`
	DatasourceID string           `json:"datasource_id"`
	Spec         domain.QuerySpec `json:"spec"`
}

// Result is the outcome of one logical query.
type Result struct {
	RequestID       string
	Columns         []string
	Rows            [][]interface{}
	RowCount        int
	ExecutionTimeMS int64
	SQLHash         string
	CacheHit        bool
	Deduped         bool
	Err             error
}

// Pipeline executes batches of query specs. Safe for concurrent batches;
// all shared state lives behind its own lock and no lock is held across a
// database call.
type Pipeline struct {
	registry *registry.Registry
	executor Executor
	cache    *cache.ResultCache
	inflight *inflightTable
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New wires a pipeline from its collaborators.
func New(reg *registry.Registry, exec Executor, resultCache *cache.ResultCache, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 10000
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.InflightTTL <= 0 {
		cfg.InflightTTL = 15 * time.Second
	}
	if cfg.Timezone == "" {
		cfg.Timezone = canonical.DefaultTimezone
	}
	return &Pipeline{
		registry: reg,
		executor: exec,
		cache:    resultCache,
		inflight: newInflightTable(cfg.InflightTTL),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// prepared is one request after canonicalization and datasource
// resolution.
type prepared struct {
	indices   []int // positions in the caller's batch sharing this dedupe key
	spec      domain.QuerySpec
	signature string
	connURL   string
	connID    string
	dedupeKey string
	cacheKey  string
	workspace string
}

// Execute runs a batch. The returned slice preserves the caller's request
// order; errors are per-result and never abort sibling groups.
func (p *Pipeline) Execute(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i].RequestID = req.RequestID
	}

	uniques := p.prepare(reqs, results)

	// Cache pass: whole dedupe groups resolve on a hit.
	var misses []*prepared
	for _, u := range uniques {
		if entry, ok := p.cache.Get(u.cacheKey); ok {
			for _, idx := range u.indices {
				results[idx] = p.hitResult(reqs[idx].RequestID, entry, len(u.indices) > 1)
				p.audit(u, &results[idx], "cache")
			}
			continue
		}
		misses = append(misses, u)
	}
	if len(misses) == 0 {
		return results
	}

	members := make([]fusion.Member, len(misses))
	for i, u := range misses {
		members[i] = fusion.Member{
			Index: i,
			Spec:  u.spec,
			// Fusion must never cross datasources.
			Signature: u.connID + "|" + u.signature,
		}
	}
	groups := fusion.Plan(members)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			p.executeGroup(gctx, grp, misses, reqs, results)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// prepare canonicalizes the batch and groups exact duplicates under one
// representative. Failed requests get their error set immediately.
func (p *Pipeline) prepare(reqs []Request, results []Result) []*prepared {
	byKey := make(map[string]*prepared)
	var uniques []*prepared
	for i, req := range reqs {
		if err := req.Spec.Validate(); err != nil {
			results[i].Err = err
			continue
		}
		res, err := canonical.Canonicalize(req.Spec)
		if err != nil {
			results[i].Err = domain.ErrValidation(domain.CodeInvalidSpec, "canonicalize: %v", err)
			continue
		}
		entry, err := p.registry.Get(req.DatasourceID)
		if err != nil {
			results[i].Err = err
			continue
		}
		connID := engine.RedactURL(entry.URL)
		dedupeKey, cacheKey := canonical.Keys(connID, res.Payload)
		if u, ok := byKey[dedupeKey]; ok {
			u.indices = append(u.indices, i)
			continue
		}
		u := &prepared{
			indices:   []int{i},
			spec:      res.Spec,
			signature: res.Signature,
			connURL:   entry.URL,
			connID:    connID,
			dedupeKey: dedupeKey,
			cacheKey:  cacheKey,
			workspace: entry.WorkspaceID,
		}
		byKey[dedupeKey] = u
		uniques = append(uniques, u)
	}
	return uniques
}

// outcome is one physical execution's shared result.
type outcome struct {
	columns []string
	rows    [][]interface{}
	sqlHash string
	execMS  int64
}

// executeGroup runs one fused or singleton group and distributes results
// to every member and its duplicates. A fused execution error falls back
// to independent per-member execution so a fusion bug never fails widgets
// that would succeed alone.
func (p *Pipeline) executeGroup(ctx context.Context, grp fusion.Group, misses []*prepared, reqs []Request, results []Result) {
	if !grp.CanFuse {
		m := grp.Members[0]
		p.executeMember(ctx, misses[m.Index], reqs, results, false)
		return
	}

	rep := misses[grp.Members[0].Index]
	fusedRes, err := canonical.Canonicalize(grp.Spec)
	if err == nil {
		fusedDedupe, fusedCache := canonical.Keys(rep.connID, fusedRes.Payload)
		out, cacheHit, _, execErr := p.runPhysical(ctx, grp.Spec, rep.connURL, fusedDedupe, fusedCache)
		if execErr == nil {
			for _, m := range grp.Members {
				u := misses[m.Index]
				cols, rows := grp.Demux(out.columns, out.rows, m)
				for _, idx := range u.indices {
					results[idx] = Result{
						RequestID:       reqs[idx].RequestID,
						Columns:         cols,
						Rows:            rows,
						RowCount:        len(rows),
						ExecutionTimeMS: out.execMS,
						SQLHash:         out.sqlHash,
						CacheHit:        cacheHit,
						Deduped:         true, // shared a fusion group
					}
					p.audit(u, &results[idx], "fused")
				}
			}
			return
		}
		p.logger.Warn("fused execution failed, falling back to member queries",
			"error", execErr, "members", len(grp.Members), "sql_hash", out.sqlHash)
	} else {
		p.logger.Warn("fused spec canonicalization failed, falling back", "error", err)
	}

	for _, m := range grp.Members {
		p.executeMember(ctx, misses[m.Index], reqs, results, true)
	}
}

// executeMember runs one logical query through cache, single-flight, and
// the executor, then fills every batch slot sharing its dedupe key.
func (p *Pipeline) executeMember(ctx context.Context, u *prepared, reqs []Request, results []Result, sharedGroup bool) {
	out, cacheHit, shared, err := p.runPhysical(ctx, u.spec, u.connURL, u.dedupeKey, u.cacheKey)
	for _, idx := range u.indices {
		if err != nil {
			results[idx].RequestID = reqs[idx].RequestID
			results[idx].Err = err
			continue
		}
		results[idx] = Result{
			RequestID:       reqs[idx].RequestID,
			Columns:         out.columns,
			Rows:            out.rows,
			RowCount:        len(out.rows),
			ExecutionTimeMS: out.execMS,
			SQLHash:         out.sqlHash,
			CacheHit:        cacheHit,
			Deduped:         sharedGroup || shared || len(u.indices) > 1,
		}
		p.audit(u, &results[idx], "single")
	}
}

// runPhysical is the innermost execution step: cache check, single-flight
// coalescing, fresh compile, timeout-bounded execution, cache write.
func (p *Pipeline) runPhysical(ctx context.Context, spec domain.QuerySpec, connURL, dedupeKey, cacheKey string) (outcome, bool, bool, error) {
	if entry, ok := p.cache.Get(cacheKey); ok {
		return outcome{columns: entry.Columns, rows: entry.Rows, sqlHash: entry.SQLHash}, true, false, nil
	}

	v, err, shared := p.inflight.Do(dedupeKey, func() (interface{}, error) {
		compiled, err := compiler.Compile(spec, p.cfg.MaxRows, compiler.Options{
			Timezone: p.cfg.Timezone,
			Now:      p.now,
		})
		if err != nil {
			return nil, err
		}
		qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()

		start := p.now()
		cols, rows, err := p.executor.Query(qctx, connURL, compiled.SQL, compiled.Params, compiled.Limit)
		if err != nil {
			return nil, err
		}
		out := outcome{
			columns: cols,
			rows:    rows,
			sqlHash: Fingerprint(compiled.SQL),
			execMS:  time.Since(start).Milliseconds(),
		}
		p.cache.Set(cacheKey, cache.Entry{Columns: cols, Rows: rows, SQLHash: out.sqlHash})
		return out, nil
	})
	if err != nil {
		return outcome{}, false, shared, err
	}
	return v.(outcome), false, shared, nil
}

func (p *Pipeline) hitResult(requestID string, entry cache.Entry, deduped bool) Result {
	return Result{
		RequestID: requestID,
		Columns:   entry.Columns,
		Rows:      entry.Rows,
		RowCount:  len(entry.Rows),
		SQLHash:   entry.SQLHash,
		CacheHit:  true,
		Deduped:   deduped,
	}
}

// audit writes one structured line per logical query. Connection strings
// never reach the log; only the redacted identity does.
func (p *Pipeline) audit(u *prepared, r *Result, path string) {
	p.logger.Info("query executed",
		"workspace", u.workspace,
		"datasource", u.connID,
		"path", path,
		"sql_hash", r.SQLHash,
		"rows", r.RowCount,
		"duration_ms", r.ExecutionTimeMS,
		"cache_hit", r.CacheHit,
		"deduped", r.Deduped,
	)
}

var fingerprintWS = regexp.MustCompile(`\s+`)

// Fingerprint hashes normalized SQL text for result metadata and audit
// correlation.
func Fingerprint(sqlText string) string {
	normalized := fingerprintWS.ReplaceAllString(sqlText, " ")
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}
