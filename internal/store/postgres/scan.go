package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanGraph scans a single row into a model.Graph.
// The row must contain columns in the order defined by graphColumns.
func scanGraph(row scannable) (*model.Graph, error) {
	var g model.Graph
	var root sql.NullString
	err := row.Scan(
		&g.ID,
		&g.Title,
		&g.OwnerID,
		&root,
		&g.Version,
		&g.Stats.NodeCount,
		&g.Stats.MaxDepth,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.RootNodeID = root.String
	return &g, nil
}

func scanGraphs(rows *sql.Rows) ([]*model.Graph, error) {
	var out []*model.Graph
	for rows.Next() {
		g, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nodeJSON holds the JSONB-encoded columns of a node row.
type nodeJSON struct {
	request     []byte
	response    []byte
	spawnedFrom []byte
	usage       []byte
	nodeErr     []byte
}

func encodeNode(n *model.Node) (nodeJSON, error) {
	var (
		cols nodeJSON
		err  error
	)
	if cols.request, err = json.Marshal(n.Request); err != nil {
		return cols, fmt.Errorf("encode request: %w", err)
	}
	if cols.response, err = json.Marshal(n.Response); err != nil {
		return cols, fmt.Errorf("encode response: %w", err)
	}
	if cols.usage, err = json.Marshal(n.Usage); err != nil {
		return cols, fmt.Errorf("encode usage: %w", err)
	}
	if n.SpawnedFrom != nil {
		if cols.spawnedFrom, err = json.Marshal(n.SpawnedFrom); err != nil {
			return cols, fmt.Errorf("encode spawned_from: %w", err)
		}
	}
	if n.Error != nil {
		if cols.nodeErr, err = json.Marshal(n.Error); err != nil {
			return cols, fmt.Errorf("encode error: %w", err)
		}
	}
	return cols, nil
}

// scanNode scans a single row into a model.Node.
// The row must contain columns in the order defined by nodeColumns.
func scanNode(row scannable) (*model.Node, error) {
	var n model.Node
	var (
		parentID sql.NullString
		cols     nodeJSON
		tags     pq.StringArray
	)
	err := row.Scan(
		&n.ID,
		&n.GraphID,
		&parentID,
		&n.Depth,
		&n.Version,
		&n.Status,
		&cols.request,
		&cols.response,
		&cols.spawnedFrom,
		&cols.usage,
		&cols.nodeErr,
		&tags,
		&n.Notes,
		&n.Starred,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.ParentID = parentID.String
	if len(tags) > 0 {
		n.Tags = []string(tags)
	}

	if err := json.Unmarshal(cols.request, &n.Request); err != nil {
		return nil, fmt.Errorf("decode request of %s: %w", n.ID, err)
	}
	if len(cols.response) > 0 {
		if err := json.Unmarshal(cols.response, &n.Response); err != nil {
			return nil, fmt.Errorf("decode response of %s: %w", n.ID, err)
		}
	}
	if len(cols.usage) > 0 {
		if err := json.Unmarshal(cols.usage, &n.Usage); err != nil {
			return nil, fmt.Errorf("decode usage of %s: %w", n.ID, err)
		}
	}
	if len(cols.spawnedFrom) > 0 {
		n.SpawnedFrom = &model.SpawnedFrom{}
		if err := json.Unmarshal(cols.spawnedFrom, n.SpawnedFrom); err != nil {
			return nil, fmt.Errorf("decode spawned_from of %s: %w", n.ID, err)
		}
	}
	if len(cols.nodeErr) > 0 {
		n.Error = &model.NodeError{}
		if err := json.Unmarshal(cols.nodeErr, n.Error); err != nil {
			return nil, fmt.Errorf("decode error of %s: %w", n.ID, err)
		}
	}
	return &n, nil
}

// scanNodes scans multiple rows into a slice of model.Node pointers.
func scanNodes(rows *sql.Rows) ([]*model.Node, error) {
	var out []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanEdge scans a single row into a model.Edge.
func scanEdge(row scannable) (*model.Edge, error) {
	var e model.Edge
	err := row.Scan(&e.ID, &e.GraphID, &e.SourceID, &e.TargetID, &e.Type, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEdges(rows *sql.Rows) ([]*model.Edge, error) {
	var out []*model.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanEvent scans a single row into a model.Event.
func scanEvent(row scannable) (*model.Event, error) {
	var e model.Event
	var payload []byte
	err := row.Scan(&e.ID, &e.GraphID, &e.Type, &e.NodeID, &e.Version, &e.Actor, &payload, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// scanEvents scans multiple rows into a slice of model.Event pointers.
func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonbBytes converts json.RawMessage to a []byte suitable for JSONB columns.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
