package engine

import (
	"context"
	"strings"

	"querygrid/internal/domain"
)

// Resource is one queryable table or view.
type Resource struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	Kind   string `json:"kind"` // "table" or "view"
}

// Column is one column of a resource.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

const listResourcesSQL = `SELECT table_schema, table_name, table_type
FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name`

const describeResourceSQL = `SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

// ListResources enumerates the datasource's non-system tables and views.
func (e *Engine) ListResources(ctx context.Context, connURL string) ([]Resource, error) {
	_, rows, err := e.Query(ctx, connURL, listResourcesSQL, nil, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(rows))
	for _, row := range rows {
		kind := "table"
		if s, _ := row[2].(string); strings.EqualFold(s, "VIEW") {
			kind = "view"
		}
		schema, _ := row[0].(string)
		name, _ := row[1].(string)
		out = append(out, Resource{Schema: schema, Name: name, Kind: kind})
	}
	return out, nil
}

// DescribeResource returns the column metadata for a schema-qualified
// resource id; schema_not_found when the resource has no columns.
func (e *Engine) DescribeResource(ctx context.Context, connURL, resourceID string) ([]Column, error) {
	schema, name := "public", resourceID
	if i := strings.IndexByte(resourceID, '.'); i >= 0 {
		schema, name = resourceID[:i], resourceID[i+1:]
	}
	_, rows, err := e.Query(ctx, connURL, describeResourceSQL, []interface{}{schema, name}, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound(domain.CodeSchemaNotFound, "resource %q not found", resourceID)
	}
	out := make([]Column, 0, len(rows))
	for _, row := range rows {
		colName, _ := row[0].(string)
		dataType, _ := row[1].(string)
		nullable, _ := row[2].(string)
		out = append(out, Column{
			Name:     colName,
			DataType: dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	return out, nil
}
