package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that returns rows only when an invariant is broken.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "deal_current_revision_matches_latest",
			SQL: `SELECT d.id, d.current_revision, MAX(r.revision_number) AS latest
                  FROM deals d
                  LEFT JOIN deal_revisions r ON r.deal_id = d.id
                  GROUP BY d.id, d.current_revision
                  HAVING d.current_revision <> COALESCE(MAX(r.revision_number), 0)`,
		},
		{
			Name: "revision_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT deal_id, revision_number,
                             ROW_NUMBER() OVER (PARTITION BY deal_id ORDER BY revision_number) AS expected
                      FROM deal_revisions)
                  SELECT * FROM seqs WHERE revision_number <> expected`,
		},
		{
			Name: "token_single_use",
			SQL: `SELECT id, usage_count, used_at FROM document_access_tokens
                  WHERE usage_count > 1
                     OR (usage_count = 1) <> (used_at IS NOT NULL)`,
		},
		{
			Name: "deal_client_unique",
			SQL: `SELECT deal_id, client_id, COUNT(*) FROM deal_clients
                  GROUP BY deal_id, client_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "soft_deleted_deal_history_readable",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.is_deleted
                    AND NOT EXISTS (
                        SELECT 1 FROM deal_revisions r
                        WHERE r.deal_id = d.id
                          AND r.revision_number = d.current_revision
                          AND r.change_type = 'deleted')`,
		},
		{
			Name: "document_revision_exists",
			SQL: `SELECT doc.id FROM documents doc
                  LEFT JOIN deal_revisions r ON r.id = doc.revision_id
                  WHERE doc.revision_id IS NULL OR r.deal_id <> doc.deal_id`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
