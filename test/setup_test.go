package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealflow/auth"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/storage"
	"dealflow/test/infra"
	"dealflow/test/oracles"
)

var flDSN = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")

type env struct {
	pool      *pgxpool.Pool
	deals     *deal.Service
	documents *document.Service
	store     *storage.FileStore
}

type seeded struct {
	agent    auth.Profile
	clientID string
	dealID   string
	docID    string
}

func newEnv(t *testing.T, ctx context.Context) *env {
	t.Helper()
	h, err := infra.NewHarness(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("integration database unavailable: %v", err)
	}
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})

	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	revisions := deal.NewRevisions(nil)
	return &env{
		pool:  h.Pool(),
		deals: deal.NewService(h.Pool(), revisions, nil),
		documents: document.NewService(h.Pool(), revisions, store, storage.NewTickets("it-secret", 0), document.Config{
			PublicBaseURL: "http://localhost:8080",
		}, nil),
		store: store,
	}
}

// seed creates an agent with one active client, a deal and one document.
func (e *env) seed(t *testing.T, ctx context.Context, tag string) seeded {
	t.Helper()
	var s seeded

	var userID string
	if err := e.pool.QueryRow(ctx,
		`INSERT INTO users (subject, email, name) VALUES ($1, $2, $3) RETURNING id`,
		"sub-agent-"+tag, "agent-"+tag+"@example.com", "Agent "+tag,
	).Scan(&userID); err != nil {
		t.Fatalf("seed agent user: %v", err)
	}
	var agentID string
	if err := e.pool.QueryRow(ctx, `INSERT INTO agents (user_id) VALUES ($1) RETURNING id`, userID).Scan(&agentID); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	s.agent = auth.Profile{
		Kind:    auth.ProfileAgent,
		User:    auth.User{ID: userID, Subject: "sub-agent-" + tag, Email: "agent-" + tag + "@example.com", Name: "Agent " + tag},
		AgentID: agentID,
	}

	var clientUserID string
	if err := e.pool.QueryRow(ctx,
		`INSERT INTO users (subject, email, name) VALUES ($1, $2, $3) RETURNING id`,
		"sub-client-"+tag, "client-"+tag+"@example.com", "Client "+tag,
	).Scan(&clientUserID); err != nil {
		t.Fatalf("seed client user: %v", err)
	}
	if err := e.pool.QueryRow(ctx,
		`INSERT INTO clients (user_id, agent_id, status, accepted_at) VALUES ($1, $2, 'active', now()) RETURNING id`,
		clientUserID, agentID,
	).Scan(&s.clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}

	created, err := e.deals.Create(ctx, s.agent, deal.CreateInput{Title: "Stress " + tag})
	if err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	s.dealID = created.ID

	storageID := storage.NewID()
	body := fmt.Sprintf("%%PDF-1.7 %s", tag)
	if _, err := e.store.Put(ctx, storageID, strings.NewReader(body), "application/pdf"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	doc, err := e.documents.Save(ctx, s.agent, document.SaveInput{
		DealID:    s.dealID,
		StorageID: storageID,
		FileName:  "contract-" + tag + ".pdf",
		FileType:  "application/pdf",
		FileSize:  int64(len(body)),
		Category:  document.CategoryContract,
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	s.docID = doc.ID
	return s
}

func assertOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		t.Fatalf("oracle %s failed, first row: %s", name, row)
	}
}
