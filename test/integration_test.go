package test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"dealflow/deal"
	"dealflow/document"
	"dealflow/errs"
	"dealflow/storage"
)

func TestRevisionNumbersUnderContention(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	e := newEnv(t, ctx)
	s := e.seed(t, ctx, "rev")

	const writers = 16
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		price := float64(100000 + i)
		g.Go(func() error {
			_, err := e.deals.Update(gctx, s.agent, s.dealID, deal.Patch{ListPrice: &price}, "")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent updates: %v", err)
	}

	history, err := e.deals.RevisionHistory(ctx, s.agent, s.dealID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// created + document_added + one per writer
	if want := writers + 2; len(history) != want {
		t.Fatalf("expected %d revisions, got %d", want, len(history))
	}
	for i, rev := range history {
		if rev.RevisionNumber != len(history)-i {
			t.Fatalf("revision %d has number %d", i, rev.RevisionNumber)
		}
	}
	assertOracles(t, ctx, e.pool)
}

func TestTokenRedeemedOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	e := newEnv(t, ctx)
	s := e.seed(t, ctx, "tok")

	issued, err := e.documents.IssueToken(ctx, s.agent.User.Subject, s.docID, "127.0.0.1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	u, _ := url.Parse(issued.URL)
	token := u.Query().Get("token")

	const racers = 12
	var (
		mu     sync.Mutex
		served int
		used   int
		wg     sync.WaitGroup
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.documents.Redeem(ctx, s.docID, token, false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out.Body.Close()
				served++
			case errors.Is(err, document.ErrTokenUsed):
				used++
			default:
				t.Errorf("unexpected redeem error: %v", err)
			}
		}()
	}
	wg.Wait()

	if served != 1 || used != racers-1 {
		t.Fatalf("expected exactly one redemption, got served=%d used=%d", served, used)
	}

	var logs int
	if err := e.pool.QueryRow(ctx, `SELECT COUNT(*) FROM document_access_logs WHERE document_id = $1`, s.docID).Scan(&logs); err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logs != 1 {
		t.Fatalf("expected one access log, got %d", logs)
	}
	assertOracles(t, ctx, e.pool)
}

func TestClientAddedOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	e := newEnv(t, ctx)
	s := e.seed(t, ctx, "cli")

	const racers = 8
	var (
		mu       sync.Mutex
		added    int
		conflict int
		wg       sync.WaitGroup
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.deals.AddClient(ctx, s.agent, s.dealID, s.clientID, deal.RoleBuyer)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				added++
			case errors.Is(err, deal.ErrAlreadyAssociated):
				conflict++
			default:
				t.Errorf("unexpected add error: %v", err)
			}
		}()
	}
	wg.Wait()

	if added != 1 || conflict != racers-1 {
		t.Fatalf("expected one association, got added=%d conflict=%d", added, conflict)
	}
	assertOracles(t, ctx, e.pool)
}

func TestRemovedDealHistoryReadable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	e := newEnv(t, ctx)
	s := e.seed(t, ctx, "del")

	if err := e.deals.Remove(ctx, s.agent, s.dealID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := e.deals.Get(ctx, s.agent, s.dealID); !errors.Is(err, deal.ErrNotFound) {
		t.Fatalf("expected removed deal to be hidden, got %v", err)
	}

	history, err := e.deals.RevisionHistory(ctx, s.agent, s.dealID, 0)
	if err != nil {
		t.Fatalf("history of removed deal: %v", err)
	}
	if len(history) != 3 || history[0].ChangeType != deal.ChangeDeleted || !history[0].Snapshot.IsDeleted {
		t.Fatalf("unexpected history %+v", history)
	}
	first, err := e.deals.RevisionAt(ctx, s.agent, s.dealID, 1)
	if err != nil || first.ChangeType != deal.ChangeCreated {
		t.Fatalf("revision 1 of removed deal: %+v, %v", first, err)
	}
	assertOracles(t, ctx, e.pool)
}

func TestDealLifecycleScenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	e := newEnv(t, ctx)
	s := e.seed(t, ctx, "life")

	created, err := e.deals.Create(ctx, s.agent, deal.CreateInput{Title: "123 Main St"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Stage != deal.StageLead || created.CurrentRevision != 1 {
		t.Fatalf("unexpected new deal %+v", created)
	}
	first, err := e.deals.RevisionAt(ctx, s.agent, created.ID, 1)
	if err != nil || first.ChangeType != deal.ChangeCreated {
		t.Fatalf("revision 1: %+v, %v", first, err)
	}

	moved, err := e.deals.UpdateStage(ctx, s.agent, created.ID, deal.StageOffer, "")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if moved.CurrentRevision != 2 {
		t.Fatalf("expected current revision 2, got %d", moved.CurrentRevision)
	}
	second, err := e.deals.RevisionAt(ctx, s.agent, created.ID, 2)
	if err != nil {
		t.Fatalf("revision 2: %v", err)
	}
	if second.ChangeType != deal.ChangeStage || fmt.Sprint(second.Changes["previousStage"]) != "lead" {
		t.Fatalf("unexpected revision 2 %+v", second)
	}

	storageID := storage.NewID()
	body := "%PDF-1.7 lifecycle"
	if _, err := e.store.Put(ctx, storageID, strings.NewReader(body), "application/pdf"); err != nil {
		t.Fatalf("blob: %v", err)
	}
	doc, err := e.documents.Save(ctx, s.agent, document.SaveInput{
		DealID:    created.ID,
		StorageID: storageID,
		FileName:  "contract.pdf",
		FileType:  "application/pdf",
		FileSize:  int64(len(body)),
		Category:  document.CategoryContract,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	detail, err := e.deals.Get(ctx, s.agent, created.ID)
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if detail.DocumentCount != 1 || detail.Deal.CurrentRevision != 3 {
		t.Fatalf("after save: documents=%d revision=%d", detail.DocumentCount, detail.Deal.CurrentRevision)
	}
	third, err := e.deals.RevisionAt(ctx, s.agent, created.ID, 3)
	if err != nil {
		t.Fatalf("revision 3: %v", err)
	}
	if third.ChangeType != deal.ChangeDocument || fmt.Sprint(third.Changes["action"]) != "document_added" {
		t.Fatalf("unexpected revision 3 %+v", third)
	}

	if err := e.documents.Delete(ctx, s.agent, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	detail, err = e.deals.Get(ctx, s.agent, created.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if detail.DocumentCount != 0 || detail.Deal.CurrentRevision != 4 {
		t.Fatalf("after delete: documents=%d revision=%d", detail.DocumentCount, detail.Deal.CurrentRevision)
	}
	fourth, err := e.deals.RevisionAt(ctx, s.agent, created.ID, 4)
	if err != nil {
		t.Fatalf("revision 4: %v", err)
	}
	if fourth.ChangeType != deal.ChangeDocument || fmt.Sprint(fourth.Changes["action"]) != "document_deleted" {
		t.Fatalf("unexpected revision 4 %+v", fourth)
	}

	again, err := e.deals.RevisionAt(ctx, s.agent, created.ID, 3)
	if err != nil {
		t.Fatalf("revision 3 reread: %v", err)
	}
	if again.RevisionNumber != 3 || again.Snapshot.Stage != deal.StageOffer || again.ID != third.ID {
		t.Fatalf("revision 3 changed: %+v", again)
	}
	assertOracles(t, ctx, e.pool)
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	e := newEnv(t, ctx)
	s := e.seed(t, ctx, "bad")

	const bad = "not-a-uuid"
	price := 1.0
	calls := map[string]func() error{
		"deal get": func() error {
			_, err := e.deals.Get(ctx, s.agent, bad)
			return err
		},
		"deal update": func() error {
			_, err := e.deals.Update(ctx, s.agent, bad, deal.Patch{ListPrice: &price}, "")
			return err
		},
		"deal history": func() error {
			_, err := e.deals.RevisionHistory(ctx, s.agent, bad, 0)
			return err
		},
		"add client": func() error {
			_, err := e.deals.AddClient(ctx, s.agent, s.dealID, bad, deal.RoleBuyer)
			return err
		},
		"remove client": func() error {
			return e.deals.RemoveClient(ctx, s.agent, s.dealID, bad)
		},
		"document rename": func() error {
			_, err := e.documents.Rename(ctx, s.agent, bad, "x.pdf")
			return err
		},
		"document access logs": func() error {
			_, err := e.documents.AccessLogs(ctx, s.agent, bad)
			return err
		},
		"document delete": func() error {
			return e.documents.Delete(ctx, s.agent, bad)
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errs.HTTPStatus(err); got != http.StatusNotFound {
				t.Fatalf("expected 404, got %d (%v)", got, err)
			}
		})
	}
	assertOracles(t, ctx, e.pool)
}
