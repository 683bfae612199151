package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// graphColumns is the column list used for SELECT statements on the graphs table.
const graphColumns = `id, title, owner_id, root_node_id, version, node_count, max_depth,
	created_at, updated_at`

// nodeColumns is the column list used for SELECT statements on the nodes table.
const nodeColumns = `id, graph_id, parent_id, depth, version, status, request, response,
	spawned_from, usage, error, tags, notes, starred, created_at, updated_at`

// nodeColumnsN is nodeColumns qualified with the alias n, for joins.
const nodeColumnsN = `n.id, n.graph_id, n.parent_id, n.depth, n.version, n.status, n.request,
	n.response, n.spawned_from, n.usage, n.error, n.tags, n.notes, n.starred, n.created_at,
	n.updated_at`

// edgeColumns is the column list used for SELECT statements on the edges table.
const edgeColumns = `id, graph_id, source_id, target_id, type, created_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// notFound maps sql.ErrNoRows to store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// expectOne turns an exec result touching no rows into store.ErrNotFound.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// casMiss distinguishes a missing row from a stale version after a
// compare-and-swap update touched nothing.
func casMiss(ctx context.Context, db executor, table, id string) error {
	var version int64
	err := db.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = $1`, id).Scan(&version)
	if err != nil {
		return notFound(err)
	}
	return store.ErrVersionMismatch
}

// --- graphs ---

func queryCreateGraph(ctx context.Context, db executor, g *model.Graph) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO graphs (
			id, title, owner_id, root_node_id, version, node_count, max_depth,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID,
		g.Title,
		g.OwnerID,
		nullString(g.RootNodeID),
		g.Version,
		g.Stats.NodeCount,
		g.Stats.MaxDepth,
		g.CreatedAt,
		g.UpdatedAt,
	)
	return err
}

func queryGetGraph(ctx context.Context, db executor, id string) (*model.Graph, error) {
	row := db.QueryRowContext(ctx, `SELECT `+graphColumns+` FROM graphs WHERE id = $1`, id)
	g, err := scanGraph(row)
	if err != nil {
		return nil, notFound(err)
	}
	return g, nil
}

func queryListGraphs(ctx context.Context, db executor) ([]*model.Graph, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+graphColumns+` FROM graphs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGraphs(rows)
}

func queryUpdateGraph(ctx context.Context, db executor, g *model.Graph, expectedVersion int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE graphs SET
			title = $2,
			root_node_id = $3,
			version = $4,
			node_count = $5,
			max_depth = $6,
			updated_at = $7
		WHERE id = $1 AND version = $8`,
		g.ID,
		g.Title,
		nullString(g.RootNodeID),
		g.Version,
		g.Stats.NodeCount,
		g.Stats.MaxDepth,
		g.UpdatedAt,
		expectedVersion,
	)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return casMiss(ctx, db, "graphs", g.ID)
		}
		return err
	}
	return nil
}

func queryDeleteGraph(ctx context.Context, db executor, id string) error {
	return expectOne(db.ExecContext(ctx, `DELETE FROM graphs WHERE id = $1`, id))
}

// --- nodes ---

func queryCreateNode(ctx context.Context, db executor, n *model.Node) error {
	cols, err := encodeNode(n)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO nodes (
			id, graph_id, parent_id, depth, version, status, request, response,
			spawned_from, usage, error, tags, notes, starred, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16
		)`,
		n.ID,
		n.GraphID,
		nullString(n.ParentID),
		n.Depth,
		n.Version,
		string(n.Status),
		cols.request,
		cols.response,
		cols.spawnedFrom,
		cols.usage,
		cols.nodeErr,
		pq.Array(n.Tags),
		n.Notes,
		n.Starred,
		n.CreatedAt,
		n.UpdatedAt,
	)
	return err
}

func queryGetNode(ctx context.Context, db executor, id string) (*model.Node, error) {
	row := db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err != nil {
		return nil, notFound(err)
	}
	return n, nil
}

// queryUpdateNode writes every mutable column. The request is immutable and
// never rewritten.
func queryUpdateNode(ctx context.Context, db executor, n *model.Node, expectedVersion int64) error {
	cols, err := encodeNode(n)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE nodes SET
			parent_id = $2,
			depth = $3,
			version = $4,
			status = $5,
			response = $6,
			spawned_from = $7,
			usage = $8,
			error = $9,
			tags = $10,
			notes = $11,
			starred = $12,
			updated_at = $13
		WHERE id = $1 AND version = $14`,
		n.ID,
		nullString(n.ParentID),
		n.Depth,
		n.Version,
		string(n.Status),
		cols.response,
		cols.spawnedFrom,
		cols.usage,
		cols.nodeErr,
		pq.Array(n.Tags),
		n.Notes,
		n.Starred,
		n.UpdatedAt,
		expectedVersion,
	)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return casMiss(ctx, db, "nodes", n.ID)
		}
		return err
	}
	return nil
}

func queryDeleteNode(ctx context.Context, db executor, id string) error {
	return expectOne(db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id))
}

func queryListNodes(ctx context.Context, db executor, graphID string) ([]*model.Node, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE graph_id = $1
		ORDER BY created_at ASC, id ASC`,
		graphID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func queryListChildren(ctx context.Context, db executor, nodeID string) ([]*model.Node, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE parent_id = $1
		ORDER BY created_at ASC, id ASC`,
		nodeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// queryGetAncestry walks parent_id links upward in a single statement, so the
// chain comes from one snapshot.
func queryGetAncestry(ctx context.Context, db executor, id string) ([]*model.Node, error) {
	rows, err := db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT `+nodeColumns+`, 0 AS lvl
			FROM nodes
			WHERE id = $1
			UNION ALL
			SELECT `+nodeColumnsN+`, c.lvl + 1
			FROM nodes n
			JOIN chain c ON n.id = c.parent_id
			WHERE c.lvl < 10000
		)
		SELECT `+nodeColumns+`
		FROM chain
		ORDER BY lvl DESC`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chain, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, store.ErrNotFound
	}
	return chain, nil
}

func queryListNodesByStatus(ctx context.Context, db executor, statuses []model.Status) ([]*model.Node, error) {
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE status = ANY($1)
		ORDER BY created_at ASC, id ASC`,
		pq.Array(vals),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// --- edges ---

func queryCreateEdge(ctx context.Context, db executor, e *model.Edge) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO edges (id, graph_id, source_id, target_id, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.GraphID, e.SourceID, e.TargetID, string(e.Type), e.CreatedAt,
	)
	return err
}

func queryUpdateEdge(ctx context.Context, db executor, e *model.Edge) error {
	return expectOne(db.ExecContext(ctx, `
		UPDATE edges SET source_id = $2, target_id = $3, type = $4
		WHERE id = $1`,
		e.ID, e.SourceID, e.TargetID, string(e.Type),
	))
}

func queryDeleteEdge(ctx context.Context, db executor, id string) error {
	return expectOne(db.ExecContext(ctx, `DELETE FROM edges WHERE id = $1`, id))
}

func queryListEdges(ctx context.Context, db executor, graphID string) ([]*model.Edge, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+edgeColumns+`
		FROM edges
		WHERE graph_id = $1
		ORDER BY created_at ASC, id ASC`,
		graphID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEdges(rows)
}

func queryGetParentEdge(ctx context.Context, db executor, nodeID string) (*model.Edge, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+edgeColumns+`
		FROM edges
		WHERE target_id = $1 AND type = $2`,
		nodeID, string(model.EdgeSpawnedFrom),
	)
	e, err := scanEdge(row)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func queryFindEdge(ctx context.Context, db executor, sourceID, targetID string, typ model.EdgeType) (*model.Edge, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+edgeColumns+`
		FROM edges
		WHERE source_id = $1 AND target_id = $2 AND type = $3
		LIMIT 1`,
		sourceID, targetID, string(typ),
	)
	e, err := scanEdge(row)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// --- events ---

func queryRecordEvent(ctx context.Context, db executor, e *model.Event) error {
	return db.QueryRowContext(ctx, `
		INSERT INTO events (graph_id, type, node_id, version, actor, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.GraphID, string(e.Type), e.NodeID, e.Version, e.Actor, jsonbBytes(e.Payload),
	).Scan(&e.ID, &e.CreatedAt)
}

func queryListEvents(ctx context.Context, db executor, graphID string, afterID int64, limit int) ([]*model.Event, error) {
	q := `
		SELECT id, graph_id, type, node_id, version, actor, payload, created_at
		FROM events
		WHERE graph_id = $1 AND id > $2
		ORDER BY id ASC`
	args := []any{graphID, afterID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}
