// Package engine executes compiled SQL against registered datasources
// over database/sql with pooled per-datasource connections.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver

	"querygrid/internal/domain"
)

// Engine owns one *sql.DB pool per datasource URL. Safe for concurrent
// use; pools are opened lazily and reused.
type Engine struct {
	mu     sync.Mutex
	pools  map[string]*sql.DB
	open   func(connURL string) (*sql.DB, error)
	logger *slog.Logger
}

// New creates an engine. The default opener dials postgres via pgx.
func New(logger *slog.Logger) *Engine {
	return &Engine{
		pools:  make(map[string]*sql.DB),
		open:   func(connURL string) (*sql.DB, error) { return sql.Open("pgx", connURL) },
		logger: logger,
	}
}

// SetOpener replaces the pool opener. Test hook.
func (e *Engine) SetOpener(open func(connURL string) (*sql.DB, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = open
}

func (e *Engine) pool(connURL string) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.pools[connURL]; ok {
		return db, nil
	}
	db, err := e.open(connURL)
	if err != nil {
		return nil, domain.ErrExecution("open datasource: %s", sanitize(err.Error(), connURL))
	}
	e.pools[connURL] = db
	return db, nil
}

// Query runs one compiled statement and scans up to maxRows rows. The
// caller bounds execution time through ctx; a deadline maps to
// query_timeout, anything else the datasource reports maps to
// datasource_error with the connection string scrubbed from the message.
func (e *Engine) Query(ctx context.Context, connURL, sqlText string, params []interface{}, maxRows int) ([]string, [][]interface{}, error) {
	db, err := e.pool(connURL)
	if err != nil {
		return nil, nil, err
	}

	rows, err := db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, nil, wrapQueryErr(ctx, err, connURL)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, wrapQueryErr(ctx, err, connURL)
	}

	var out [][]interface{}
	for rows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			break
		}
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, wrapQueryErr(ctx, err, connURL)
		}
		// byte slices become strings for JSON serialization
		row := make([]interface{}, len(vals))
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			} else {
				row[i] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrapQueryErr(ctx, err, connURL)
	}
	return cols, out, nil
}

// Close shuts every pool down.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, db := range e.pools {
		_ = db.Close()
	}
	e.pools = make(map[string]*sql.DB)
}

func wrapQueryErr(ctx context.Context, err error, connURL string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrTimeout("query execution timed out")
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrTimeout("query execution canceled")
	}
	return domain.ErrExecution("datasource error: %s", sanitize(err.Error(), connURL))
}

// RedactURL strips the password from a connection string, keeping the
// username. Used for logging and as the cache-key connection identity.
// A string url.Parse rejects is replaced wholesale: it may still embed
// credentials, so it must never surface in logs or keys.
func RedactURL(connURL string) string {
	u, err := url.Parse(connURL)
	if err != nil {
		return "unparseable-datasource-url"
	}
	if u.User == nil {
		return connURL
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// sanitize removes the connection string and its password from a message.
func sanitize(msg, connURL string) string {
	if connURL != "" {
		msg = strings.ReplaceAll(msg, connURL, RedactURL(connURL))
	}
	if u, err := url.Parse(connURL); err == nil && u.User != nil {
		if pw, has := u.User.Password(); has && pw != "" {
			msg = strings.ReplaceAll(msg, pw, "xxxxx")
		}
	}
	return msg
}
