package document

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"dealflow/auth"
	"dealflow/deal"
	"dealflow/events"
	"dealflow/storage"
)

var testNow = time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

var dealColumnNames = []string{
	"id", "agent_id", "title", "description", "property_address", "property_type",
	"list_price", "offer_price", "status", "stage", "target_close_date", "actual_close_date",
	"current_revision", "created_by", "is_deleted", "created_at", "updated_at",
}

func dealRows(revision int) *pgxmock.Rows {
	return pgxmock.NewRows(dealColumnNames).AddRow(
		"deal-1", "agent-1", "Oak St", (*string)(nil), (*string)(nil), (*string)(nil),
		(*float64)(nil), (*float64)(nil), deal.StatusActive, deal.StageOffer, (*time.Time)(nil), (*time.Time)(nil),
		revision, "user-1", false, testNow.Add(-72*time.Hour), testNow.Add(-time.Hour),
	)
}

var documentColumnNames = []string{
	"id", "deal_id", "storage_id", "file_name", "file_type", "file_size", "category",
	"uploaded_by", "name", "email", "uploaded_at", "revision_id", "metadata",
	"is_deleted", "deleted_at",
}

func documentRows(name string, category Category, storageID string) *pgxmock.Rows {
	rev := "rev-2"
	return pgxmock.NewRows(documentColumnNames).AddRow(
		"doc-1", "deal-1", storageID, name, "application/pdf", int64(2048), category,
		"user-1", "Ada Agent", "ada@example.com", testNow.Add(-time.Hour), &rev, []byte(nil),
		false, (*time.Time)(nil),
	)
}

func agentActor() auth.Profile {
	return auth.Profile{
		Kind:    auth.ProfileAgent,
		AgentID: "agent-1",
		User:    auth.User{ID: "user-1", Subject: "sub-1", Name: "Ada Agent", Email: "ada@example.com"},
	}
}

func clientActor() auth.Profile {
	return auth.Profile{
		Kind:          auth.ProfileClient,
		ClientID:      "client-1",
		ClientAgentID: "agent-1",
		User:          auth.User{ID: "user-7", Subject: "sub-7"},
	}
}

type revisionCounter map[string]int

func (c revisionCounter) RevisionAppended(changeType string) { c[changeType]++ }

type gateRecorder struct {
	issued  int
	results []string
}

func (g *gateRecorder) TokenIssued()           { g.issued++ }
func (g *gateRecorder) Redeemed(result string) { g.results = append(g.results, result) }

type fixture struct {
	svc      *Service
	mock     pgxmock.PgxPoolIface
	store    *storage.FileStore
	revs     revisionCounter
	recorder *gateRecorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	revs := revisionCounter{}
	recorder := &gateRecorder{}
	tickets := storage.NewTickets("upload-secret", 0).WithClock(func() time.Time { return testNow })
	svc := NewService(mock, deal.NewRevisions(revs), store, tickets, Config{PublicBaseURL: "https://files.example.com/"}, nil).
		WithClock(func() time.Time { return testNow }).
		WithObserver(recorder)
	return fixture{svc: svc, mock: mock, store: store, revs: revs, recorder: recorder}
}

func (f fixture) putBlob(t *testing.T, body string) string {
	t.Helper()
	id := storage.NewID()
	_, err := f.store.Put(context.Background(), id, strings.NewReader(body), "application/pdf")
	require.NoError(t, err)
	return id
}

func expectAppend(mock pgxmock.PgxPoolIface, revision int, message string) {
	mock.ExpectQuery(`UPDATE deals\s+SET current_revision = current_revision \+ 1`).
		WithArgs("deal-1", testNow).
		WillReturnRows(dealRows(revision))
	mock.ExpectQuery(`INSERT INTO deal_revisions`).
		WithArgs("deal-1", revision, "user-1", testNow, string(deal.ChangeDocument), pgxmock.AnyArg(), pgxmock.AnyArg(), message).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("rev-9"))
	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs(events.TopicRevisionAppended, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestService_GenerateUploadURLAndUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GenerateUploadURL(ctx, clientActor())
	require.ErrorIs(t, err, ErrAgentRequired)

	slot, err := f.svc.GenerateUploadURL(ctx, agentActor())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(slot.URL, "https://files.example.com/uploads/"+slot.StorageID+"?ticket="))
	require.Equal(t, testNow.Add(15*time.Minute), slot.ExpiresAt)

	ticket := slot.URL[strings.Index(slot.URL, "ticket=")+len("ticket="):]
	size, err := f.svc.Upload(ctx, slot.StorageID, ticket, strings.NewReader("contract body"), "")
	require.NoError(t, err)
	require.EqualValues(t, 13, size)

	_, err = f.svc.Upload(ctx, storage.NewID(), ticket, strings.NewReader("x"), "text/plain")
	require.ErrorIs(t, err, storage.ErrInvalidTicket)
}

func TestService_UploadTicketWritesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slot, err := f.svc.GenerateUploadURL(ctx, agentActor())
	require.NoError(t, err)
	ticket := slot.URL[strings.Index(slot.URL, "ticket=")+len("ticket="):]

	_, err = f.svc.Upload(ctx, slot.StorageID, ticket, strings.NewReader("%PDF-1.7 signed"), "application/pdf")
	require.NoError(t, err)

	_, err = f.svc.Upload(ctx, slot.StorageID, ticket, strings.NewReader("REPLACED"), "text/plain")
	require.ErrorIs(t, err, storage.ErrExists)

	blob, err := f.store.Open(ctx, slot.StorageID)
	require.NoError(t, err)
	defer blob.Close()
	body, err := io.ReadAll(blob)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7 signed", string(body))
	require.Equal(t, "application/pdf", blob.ContentType)
}

func TestService_SaveRecordsDocumentRevision(t *testing.T) {
	f := newFixture(t)
	storageID := f.putBlob(t, "%PDF")

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM deals WHERE id::text = \$1 FOR UPDATE`).
		WithArgs("deal-1").
		WillReturnRows(dealRows(3))
	f.mock.ExpectQuery(`INSERT INTO documents`).
		WithArgs("deal-1", storageID, "offer.pdf", "application/pdf", int64(4), "contract", "user-1", testNow, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("doc-1"))
	expectAppend(f.mock, 4, "Added document: offer.pdf")
	f.mock.ExpectExec(`UPDATE documents SET revision_id = \$2 WHERE id = \$1`).
		WithArgs("doc-1", "rev-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectCommit()

	doc, err := f.svc.Save(context.Background(), agentActor(), SaveInput{
		DealID:    "deal-1",
		StorageID: storageID,
		FileName:  " offer.pdf ",
		FileType:  "application/pdf",
		FileSize:  4,
		Category:  CategoryContract,
	})
	require.NoError(t, err)
	require.Equal(t, "doc-1", doc.ID)
	require.Equal(t, "offer.pdf", doc.FileName)
	require.NotNil(t, doc.RevisionID)
	require.Equal(t, "rev-9", *doc.RevisionID)
	require.Equal(t, "Ada Agent", doc.UploadedByName)
	require.Equal(t, 1, f.revs["document_change"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_SaveValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storageID := f.putBlob(t, "x")

	_, err := f.svc.Save(ctx, clientActor(), SaveInput{DealID: "deal-1", StorageID: storageID, FileName: "a"})
	require.ErrorIs(t, err, ErrAgentRequired)

	_, err = f.svc.Save(ctx, agentActor(), SaveInput{DealID: "deal-1", StorageID: storageID, FileName: "  "})
	require.ErrorIs(t, err, ErrNameRequired)

	_, err = f.svc.Save(ctx, agentActor(), SaveInput{DealID: "deal-1", StorageID: storageID, FileName: "a", Category: "receipts"})
	require.ErrorIs(t, err, ErrInvalidCategory)

	_, err = f.svc.Save(ctx, agentActor(), SaveInput{DealID: "deal-1", StorageID: storage.NewID(), FileName: "a"})
	require.ErrorIs(t, err, ErrUploadMissing)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_SaveRejectsForeignDeal(t *testing.T) {
	f := newFixture(t)
	storageID := f.putBlob(t, "x")

	other := agentActor()
	other.AgentID = "agent-2"

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM deals WHERE id::text = \$1 FOR UPDATE`).
		WithArgs("deal-1").
		WillReturnRows(dealRows(3))
	f.mock.ExpectRollback()

	_, err := f.svc.Save(context.Background(), other, SaveInput{DealID: "deal-1", StorageID: storageID, FileName: "a.pdf"})
	require.ErrorIs(t, err, deal.ErrNotOwner)
	require.Empty(t, f.revs)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_RenameRecordsRevision(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM documents d\s+JOIN users u ON u.id = d.uploaded_by\s+WHERE d.id::text = \$1\s+FOR UPDATE OF d`).
		WithArgs("doc-1").
		WillReturnRows(documentRows("draft.pdf", CategoryContract, "blob-1"))
	f.mock.ExpectQuery(`FROM deals WHERE id::text = \$1 FOR UPDATE`).
		WithArgs("deal-1").
		WillReturnRows(dealRows(4))
	f.mock.ExpectExec(`UPDATE documents SET file_name = \$2 WHERE id = \$1`).
		WithArgs("doc-1", "final.pdf").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(f.mock, 5, "Renamed document: draft.pdf → final.pdf")
	f.mock.ExpectCommit()

	doc, err := f.svc.Rename(context.Background(), agentActor(), "doc-1", "final.pdf")
	require.NoError(t, err)
	require.Equal(t, "final.pdf", doc.FileName)
	require.Equal(t, 1, f.revs["document_change"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_ChangeCategoryToSameIsNoOp(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FOR UPDATE OF d`).
		WithArgs("doc-1").
		WillReturnRows(documentRows("draft.pdf", CategoryContract, "blob-1"))
	f.mock.ExpectQuery(`FROM deals WHERE id::text = \$1 FOR UPDATE`).
		WithArgs("deal-1").
		WillReturnRows(dealRows(4))
	f.mock.ExpectRollback()

	doc, err := f.svc.ChangeCategory(context.Background(), agentActor(), "doc-1", CategoryContract)
	require.NoError(t, err)
	require.Equal(t, CategoryContract, doc.Category)
	require.Empty(t, f.revs)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_RenameMissingDocument(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FOR UPDATE OF d`).
		WithArgs("doc-404").
		WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectRollback()

	_, err := f.svc.Rename(context.Background(), agentActor(), "doc-404", "x.pdf")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_DeleteRemovesBlobAfterCommit(t *testing.T) {
	f := newFixture(t)
	storageID := f.putBlob(t, "inspection")

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FOR UPDATE OF d`).
		WithArgs("doc-1").
		WillReturnRows(documentRows("inspection.pdf", CategoryInspection, storageID))
	f.mock.ExpectQuery(`FROM deals WHERE id::text = \$1 FOR UPDATE`).
		WithArgs("deal-1").
		WillReturnRows(dealRows(4))
	f.mock.ExpectExec(`UPDATE documents SET is_deleted = true, deleted_at = \$2 WHERE id = \$1`).
		WithArgs("doc-1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(f.mock, 5, "Deleted document: inspection.pdf")
	f.mock.ExpectCommit()

	require.NoError(t, f.svc.Delete(context.Background(), agentActor(), "doc-1"))

	_, err := f.store.Open(context.Background(), storageID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_DeleteKeepsBlobWhenCommitFails(t *testing.T) {
	f := newFixture(t)
	storageID := f.putBlob(t, "inspection")

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FOR UPDATE OF d`).
		WithArgs("doc-1").
		WillReturnRows(documentRows("inspection.pdf", CategoryInspection, storageID))
	f.mock.ExpectQuery(`FROM deals WHERE id::text = \$1 FOR UPDATE`).
		WithArgs("deal-1").
		WillReturnRows(dealRows(4))
	f.mock.ExpectExec(`UPDATE documents SET is_deleted = true`).
		WithArgs("doc-1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(f.mock, 5, "Deleted document: inspection.pdf")
	f.mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
	f.mock.ExpectRollback()

	require.Error(t, f.svc.Delete(context.Background(), agentActor(), "doc-1"))

	blob, err := f.store.Open(context.Background(), storageID)
	require.NoError(t, err)
	blob.Close()
	require.Empty(t, f.revs)
}

func TestService_ListChecksAccess(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`FROM deals d\s+WHERE d.id::text = \$1`).
		WithArgs("deal-1", "user-7").
		WillReturnRows(pgxmock.NewRows(append(append([]string{}, dealColumnNames...), "associated")).AddRow(
			"deal-1", "agent-1", "Oak St", (*string)(nil), (*string)(nil), (*string)(nil),
			(*float64)(nil), (*float64)(nil), deal.StatusActive, deal.StageOffer, (*time.Time)(nil), (*time.Time)(nil),
			4, "user-1", false, testNow, testNow, true,
		))
	f.mock.ExpectQuery(`WHERE d.deal_id = \$1 AND NOT d.is_deleted`).
		WithArgs("deal-1", "").
		WillReturnRows(documentRows("offer.pdf", CategoryContract, "blob-1"))

	docs, err := f.svc.List(context.Background(), clientActor(), "deal-1", "")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "ada@example.com", docs[0].UploadedByEmail)

	_, err = f.svc.List(context.Background(), clientActor(), "deal-1", "receipts")
	require.ErrorIs(t, err, ErrInvalidCategory)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_StorageStats(t *testing.T) {
	f := newFixture(t)
	last := testNow.Add(-2 * time.Hour)
	earlier := testNow.Add(-48 * time.Hour)

	f.mock.ExpectQuery(`FROM deals d\s+WHERE d.id::text = \$1`).
		WithArgs("deal-1", "user-1").
		WillReturnRows(pgxmock.NewRows(append(append([]string{}, dealColumnNames...), "associated")).AddRow(
			"deal-1", "agent-1", "Oak St", (*string)(nil), (*string)(nil), (*string)(nil),
			(*float64)(nil), (*float64)(nil), deal.StatusActive, deal.StageOffer, (*time.Time)(nil), (*time.Time)(nil),
			4, "user-1", false, testNow, testNow, false,
		))
	f.mock.ExpectQuery(`GROUP BY category`).
		WithArgs("deal-1").
		WillReturnRows(pgxmock.NewRows([]string{"category", "count", "sum", "max"}).
			AddRow(CategoryContract, 2, int64(3*1024*1024), &earlier).
			AddRow(CategoryInspection, 1, int64(512*1024), &last))

	stats, err := f.svc.StorageStats(context.Background(), agentActor(), "deal-1")
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalDocuments)
	require.EqualValues(t, 3*1024*1024+512*1024, stats.TotalSize)
	require.InDelta(t, 3.5, stats.SizeInMB, 0.001)
	require.Equal(t, 2, stats.DocumentsByCategory[CategoryContract])
	require.Equal(t, last, *stats.LastUpload)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_AccessLogsOwnerOnly(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT dl.agent_id`).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"agent_id"}).AddRow("agent-2"))

	_, err := f.svc.AccessLogs(context.Background(), agentActor(), "doc-1")
	require.ErrorIs(t, err, ErrAccessDenied)

	f.mock.ExpectQuery(`SELECT dl.agent_id`).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"agent_id"}).AddRow("agent-1"))
	f.mock.ExpectQuery(`FROM document_access_logs l`).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "document_id", "user_id", "name", "email", "access_type", "accessed_at"}).
			AddRow(int64(2), "doc-1", "user-7", "Cal Client", "cal@example.com", AccessDownload, testNow).
			AddRow(int64(1), "doc-1", "user-7", "Cal Client", "cal@example.com", AccessView, testNow.Add(-time.Minute)))

	logs, err := f.svc.AccessLogs(context.Background(), agentActor(), "doc-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, AccessDownload, logs[0].AccessType)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCategories(t *testing.T) {
	cats := Categories()
	require.Len(t, cats, 6)
	require.Equal(t, CategoryContract, cats[0].Value)
	require.Equal(t, "Inspection Reports", cats[2].Label)

	cats[0].Label = "mutated"
	require.Equal(t, "Contracts", Categories()[0].Label)
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}
