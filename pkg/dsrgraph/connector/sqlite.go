package connector

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// SQLiteConnector maps each collection to a table of the same name and each
// top-level field to a column. Nested field paths are not queryable.
type SQLiteConnector struct {
	key string
	db  *sql.DB
}

// OpenSQLite opens the database named by the connection's "path" secret.
func OpenSQLite(conn Connection) (*SQLiteConnector, error) {
	path := conn.Secrets["path"]
	if path == "" {
		return nil, fmt.Errorf("connection %q: secrets.path is required", conn.Key)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", conn.Key, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteConnector{key: conn.Key, db: db}, nil
}

// DB exposes the underlying handle.
func (s *SQLiteConnector) DB() *sql.DB {
	return s.db
}

// DryRunQuery returns the SELECT RetrieveData issues, with placeholders.
func (s *SQLiteConnector) DryRunQuery(node *traversal.TraversalNode) (string, bool) {
	in := transform.Input{Values: make(map[graph.FieldPath][]any)}
	for _, p := range node.InputPaths() {
		in.Values[p] = []any{nil}
	}
	query, _, ok := selectQuery(node.Node, in)
	return query, ok
}

// RetrieveData runs one SELECT matching any flat input value or any
// grouped tuple.
func (s *SQLiteConnector) RetrieveData(ctx context.Context, node *traversal.TraversalNode, _ *policy.Policy,
	_ *taskstore.PrivacyRequest, _ *taskstore.RequestTask, input transform.Input) ([]graph.Row, error) {
	query, args, ok := selectQuery(node.Node, input)
	if !ok {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", node.Address, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", node.Address, err)
	}
	var out []graph.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", node.Address, err)
		}
		row := make(graph.Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", node.Address, err)
	}
	return out, nil
}

// MaskData issues one UPDATE per row keyed by its primary key columns.
func (s *SQLiteConnector) MaskData(ctx context.Context, node *traversal.TraversalNode, pol *policy.Policy,
	_ *taskstore.PrivacyRequest, _ *taskstore.RequestTask, rows []graph.Row, _ transform.Input) (int, error) {
	var targets []MaskTarget
	for _, t := range MaskTargets(node.Node, pol) {
		if len(t.Path.Levels()) == 1 {
			targets = append(targets, t)
		}
	}
	var pks []graph.FieldPath
	for _, p := range node.Node.PrimaryKeys() {
		if len(p.Levels()) == 1 {
			pks = append(pks, p)
		}
	}
	if len(targets) == 0 || len(pks) == 0 {
		return 0, nil
	}

	sets := make([]string, len(targets))
	setArgs := make([]any, len(targets))
	for i, t := range targets {
		sets[i] = quoteIdent(t.Path.String()) + " = ?"
		setArgs[i] = t.Value
	}
	wheres := make([]string, len(pks))
	for i, p := range pks {
		wheres[i] = quoteIdent(p.String()) + " = ?"
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteIdent(node.Node.Collection.Name), strings.Join(sets, ", "), strings.Join(wheres, " AND "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mask %s: %w", node.Address, err)
	}
	defer func() { _ = tx.Rollback() }()

	masked := 0
	for _, row := range rows {
		args := slices.Clone(setArgs)
		complete := true
		for _, p := range pks {
			v, ok := row[p.String()]
			if !ok || v == nil {
				complete = false
				break
			}
			args = append(args, v)
		}
		if !complete {
			continue
		}
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, fmt.Errorf("mask %s: %w", node.Address, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mask %s: %w", node.Address, err)
		}
		masked += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mask %s: %w", node.Address, err)
	}
	return masked, nil
}

// RunConsentRequest is not supported by relational stores.
func (s *SQLiteConnector) RunConsentRequest(context.Context, traversal.ConsentNode, *policy.Policy,
	*taskstore.PrivacyRequest, *taskstore.RequestTask, map[string]any) (bool, error) {
	return false, ErrConsentNotSupported
}

// TestConnection pings the database.
func (s *SQLiteConnector) TestConnection(ctx context.Context) (TestStatus, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return TestFailed, fmt.Errorf("ping %s: %w", s.key, err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return TestFailed, fmt.Errorf("ping %s: %w", s.key, err)
	}
	return TestSucceeded, nil
}

// Close closes the database.
func (s *SQLiteConnector) Close() error {
	return s.db.Close()
}

// selectQuery builds the SELECT for in. It returns false when no top-level
// input field carries values.
func selectQuery(node *graph.Node, in transform.Input) (string, []any, bool) {
	var clauses []string
	var args []any

	paths := make([]graph.FieldPath, 0, len(in.Values))
	for p, vals := range in.Values {
		if len(vals) > 0 && len(p.Levels()) == 1 {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	for _, p := range paths {
		vals := in.Values[p]
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", quoteIdent(p.String()), placeholders(len(vals))))
		args = append(args, vals...)
	}

	for _, tuple := range in.Grouped {
		tuplePaths := make([]graph.FieldPath, 0, len(tuple))
		for p, vals := range tuple {
			if len(vals) > 0 && len(p.Levels()) == 1 {
				tuplePaths = append(tuplePaths, p)
			}
		}
		if len(tuplePaths) == 0 {
			continue
		}
		slices.Sort(tuplePaths)
		parts := make([]string, len(tuplePaths))
		for i, p := range tuplePaths {
			vals := tuple[p]
			parts[i] = fmt.Sprintf("%s IN (%s)", quoteIdent(p.String()), placeholders(len(vals)))
			args = append(args, vals...)
		}
		clauses = append(clauses, "("+strings.Join(parts, " AND ")+")")
	}

	if len(clauses) == 0 {
		return "", nil, false
	}
	cols := make([]string, 0, len(node.Collection.Fields))
	for _, f := range node.Collection.Fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(cols, ", "), quoteIdent(node.Collection.Name), strings.Join(clauses, " OR "))
	return query, args, true
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
