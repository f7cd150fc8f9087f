package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across documents and items using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "d.fts @@ " + tsQuery
		if q.FilterLineageID != "" {
			docWhere += fmt.Sprintf(" AND d.lineage_id = $%d", argN)
			args = append(args, q.FilterLineageID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('english', coalesce(d.site_name, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS reference,
				d.id AS document_id, d.lineage_id, d.status,
				ts_rank(d.fts, %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultAction {
		itemWhere := "i.fts @@ " + tsQuery
		if q.FilterLineageID != "" {
			itemWhere += fmt.Sprintf(" AND i.lineage_id = $%d", argN)
			args = append(args, q.FilterLineageID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'action'::text AS type, i.id, i.title,
				ts_headline('english', coalesce(i.detail, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				coalesce(i.reference, '') AS reference,
				i.document_id, i.lineage_id, i.status,
				ts_rank(i.fts, %s) AS rank
			FROM items i
			WHERE %s`, tsQuery, tsQuery, itemWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, reference, document_id, lineage_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Reference, &r.DocumentID, &r.LineageID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []ActionRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, site_name, lineage_id, version_number, status
		FROM documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.SiteName, &d.LineageID, &d.VersionNumber, &d.Status); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	itemRows, err := p.db.QueryContext(ctx, `
		SELECT id, coalesce(reference, ''), title, detail, document_id, lineage_id, status, section_key
		FROM items
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load items: %w", err)
	}
	defer itemRows.Close()

	actions := make([]ActionRecord, 0)
	for itemRows.Next() {
		var a ActionRecord
		if err := itemRows.Scan(&a.ID, &a.Reference, &a.Title, &a.Detail, &a.DocumentID, &a.LineageID, &a.Status, &a.SectionKey); err != nil {
			return nil, nil, fmt.Errorf("scan item: %w", err)
		}
		actions = append(actions, a)
	}
	if err := itemRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate items: %w", err)
	}

	return documents, actions, nil
}
