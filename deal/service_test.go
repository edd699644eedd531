package deal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"dealflow/auth"
	"dealflow/events"
)

var testNow = time.Date(2025, 4, 10, 14, 30, 0, 0, time.UTC)

var dealColumnNames = []string{
	"id", "agent_id", "title", "description", "property_address", "property_type",
	"list_price", "offer_price", "status", "stage", "target_close_date", "actual_close_date",
	"current_revision", "created_by", "is_deleted", "created_at", "updated_at",
}

func dealValues(d Deal) []any {
	return []any{
		d.ID, d.AgentID, d.Title, d.Description, d.PropertyAddress, d.PropertyType,
		d.ListPrice, d.OfferPrice, d.Status, d.Stage, d.TargetCloseDate, d.ActualCloseDate,
		d.CurrentRevision, d.CreatedBy, d.IsDeleted, d.CreatedAt, d.UpdatedAt,
	}
}

func dealRows(d Deal) *pgxmock.Rows {
	return pgxmock.NewRows(dealColumnNames).AddRow(dealValues(d)...)
}

func storedDeal() Deal {
	d := baseDeal()
	d.CurrentRevision = 3
	d.CreatedBy = "user-1"
	d.CreatedAt = testNow.Add(-48 * time.Hour)
	d.UpdatedAt = testNow.Add(-time.Hour)
	return d
}

func agentActor() auth.Profile {
	return auth.Profile{Kind: auth.ProfileAgent, AgentID: "agent-1", User: auth.User{ID: "user-1", Subject: "sub-1"}}
}

func clientActor() auth.Profile {
	return auth.Profile{Kind: auth.ProfileClient, ClientID: "client-1", ClientAgentID: "agent-1", User: auth.User{ID: "user-7", Subject: "sub-7"}}
}

type countingObserver map[string]int

func (c countingObserver) RevisionAppended(changeType string) { c[changeType]++ }

func newTestService(t *testing.T) (*Service, pgxmock.PgxPoolIface, countingObserver) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	observed := countingObserver{}
	svc := NewService(mock, NewRevisions(observed), nil).WithClock(func() time.Time { return testNow })
	return svc, mock, observed
}

func expectAppend(mock pgxmock.PgxPoolIface, after Deal, changeType ChangeType, message string) {
	mock.ExpectQuery(`UPDATE deals\s+SET current_revision = current_revision \+ 1`).
		WithArgs(after.ID, testNow).
		WillReturnRows(dealRows(after))
	mock.ExpectQuery(`INSERT INTO deal_revisions`).
		WithArgs(after.ID, after.CurrentRevision, "user-1", testNow, string(changeType), pgxmock.AnyArg(), pgxmock.AnyArg(), message).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("rev-x"))
	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs(events.TopicRevisionAppended, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestService_CreateRecordsFirstRevision(t *testing.T) {
	svc, mock, observed := newTestService(t)

	created := Deal{
		ID:              "deal-9",
		AgentID:         "agent-1",
		Title:           "Birch Ave",
		Status:          StatusDraft,
		Stage:           StageLead,
		CurrentRevision: 1,
		CreatedBy:       "user-1",
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO deals`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("deal-9"))
	expectAppend(mock, created, ChangeCreated, "Deal created")
	mock.ExpectCommit()

	d, err := svc.Create(context.Background(), agentActor(), CreateInput{Title: "  Birch Ave  "})
	require.NoError(t, err)
	require.Equal(t, "deal-9", d.ID)
	require.Equal(t, 1, d.CurrentRevision)
	require.Equal(t, StatusDraft, d.Status)
	require.Equal(t, 1, observed["created"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_CreateValidation(t *testing.T) {
	svc, mock, _ := newTestService(t)

	_, err := svc.Create(context.Background(), agentActor(), CreateInput{Title: "   "})
	require.ErrorIs(t, err, ErrTitleRequired)

	_, err = svc.Create(context.Background(), agentActor(), CreateInput{Title: "x", Stage: "escrow"})
	require.ErrorIs(t, err, ErrInvalidStage)

	_, err = svc.Create(context.Background(), clientActor(), CreateInput{Title: "x"})
	require.ErrorIs(t, err, ErrAgentRequired)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_UpdateNoOpWritesNothing(t *testing.T) {
	svc, mock, observed := newTestService(t)
	current := storedDeal()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM deals WHERE id::text = \$1 FOR UPDATE`).
		WithArgs("deal-1").
		WillReturnRows(dealRows(current))
	mock.ExpectRollback()

	d, err := svc.Update(context.Background(), agentActor(), "deal-1", Patch{Title: ptr("Maple St")}, "")
	require.NoError(t, err)
	require.Equal(t, 3, d.CurrentRevision)
	require.Empty(t, observed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_UpdateStageDefaultsMessage(t *testing.T) {
	svc, mock, observed := newTestService(t)
	current := storedDeal()
	after := current
	after.Stage = StageOffer
	after.CurrentRevision = 4
	after.UpdatedAt = testNow

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("deal-1").WillReturnRows(dealRows(current))
	mock.ExpectExec(`UPDATE deals\s+SET title = \$2`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(mock, after, ChangeStage, "Stage changed from showing to offer")
	mock.ExpectCommit()

	d, err := svc.UpdateStage(context.Background(), agentActor(), "deal-1", StageOffer, "")
	require.NoError(t, err)
	require.Equal(t, StageOffer, d.Stage)
	require.Equal(t, 4, d.CurrentRevision)
	require.Equal(t, 1, observed["stage_change"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_UpdateRejectsForeignAgent(t *testing.T) {
	svc, mock, _ := newTestService(t)
	current := storedDeal()
	current.AgentID = "agent-2"

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("deal-1").WillReturnRows(dealRows(current))
	mock.ExpectRollback()

	_, err := svc.Update(context.Background(), agentActor(), "deal-1", Patch{Title: ptr("New")}, "")
	require.ErrorIs(t, err, ErrNotOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_UpdateMissingDeal(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("deal-404").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.Update(context.Background(), agentActor(), "deal-404", Patch{Title: ptr("New")}, "")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_RemoveAppendsDeletedRevision(t *testing.T) {
	svc, mock, observed := newTestService(t)
	current := storedDeal()
	after := current
	after.IsDeleted = true
	after.CurrentRevision = 4

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("deal-1").WillReturnRows(dealRows(current))
	mock.ExpectExec(`UPDATE deals SET is_deleted = true`).WithArgs("deal-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(mock, after, ChangeDeleted, "Deal deleted")
	mock.ExpectCommit()

	require.NoError(t, svc.Remove(context.Background(), agentActor(), "deal-1"))
	require.Equal(t, 1, observed["deleted"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_AddClientDuplicate(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("deal-1").WillReturnRows(dealRows(storedDeal()))
	mock.ExpectQuery(`FROM clients c`).WithArgs("client-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "email", "status", "agent_id"}).
			AddRow("client-1", "Casey", "casey@example.com", "active", "agent-1"))
	mock.ExpectExec(`INSERT INTO deal_clients`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := svc.AddClient(context.Background(), agentActor(), "deal-1", "client-1", RoleBuyer)
	require.ErrorIs(t, err, ErrAlreadyAssociated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_AddClientForeignClient(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("deal-1").WillReturnRows(dealRows(storedDeal()))
	mock.ExpectQuery(`FROM clients c`).WithArgs("client-5").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "email", "status", "agent_id"}).
			AddRow("client-5", "Dana", "dana@example.com", "active", "agent-2"))
	mock.ExpectRollback()

	_, err := svc.AddClient(context.Background(), agentActor(), "deal-1", "client-5", RoleSeller)
	require.ErrorIs(t, err, ErrForeignClient)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_RemoveClientNotAssociated(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("deal-1").WillReturnRows(dealRows(storedDeal()))
	mock.ExpectQuery(`DELETE FROM deal_clients`).WithArgs("deal-1", "client-1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := svc.RemoveClient(context.Background(), agentActor(), "deal-1", "client-1")
	require.ErrorIs(t, err, ErrNotAssociated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_GetDeniesUnrelatedClient(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(`FROM deals d\s+WHERE d.id::text = \$1`).
		WithArgs("deal-1", "user-7").
		WillReturnRows(pgxmock.NewRows(append(dealColumnNames, "associated")).
			AddRow(append(dealValues(storedDeal()), false)...))

	_, err := svc.Get(context.Background(), clientActor(), "deal-1")
	require.ErrorIs(t, err, ErrAccessDenied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_HistoryOfDeletedDealReadableByOwner(t *testing.T) {
	svc, mock, _ := newTestService(t)
	deleted := storedDeal()
	deleted.IsDeleted = true

	mock.ExpectQuery(`FROM deals d`).
		WithArgs("deal-1", "user-1").
		WillReturnRows(pgxmock.NewRows(append(dealColumnNames, "associated")).
			AddRow(append(dealValues(deleted), false)...))
	mock.ExpectQuery(`FROM deal_revisions r`).
		WithArgs("deal-1", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "deal_id", "revision_number", "modified_by", "name", "modified_at", "change_type", "changes", "snapshot", "message"}).
			AddRow("rev-4", "deal-1", 4, "user-1", "Alice", testNow, "deleted", []byte(nil), []byte(`{"title":"Maple St","status":"active","stage":"showing","isDeleted":true}`), "Deal deleted").
			AddRow("rev-3", "deal-1", 3, "user-1", "Alice", testNow.Add(-time.Hour), "stage_change", []byte(`{"newStage":"showing","previousStage":"lead"}`), []byte(`{"title":"Maple St","status":"active","stage":"showing","isDeleted":false}`), ""))

	revs, err := svc.RevisionHistory(context.Background(), agentActor(), "deal-1", 2)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	require.Equal(t, 4, revs[0].RevisionNumber)
	require.True(t, revs[0].Snapshot.IsDeleted)
	require.Equal(t, "lead", revs[1].Changes["previousStage"])

	mock.ExpectQuery(`FROM deals d`).
		WithArgs("deal-1", "user-7").
		WillReturnRows(pgxmock.NewRows(append(dealColumnNames, "associated")).
			AddRow(append(dealValues(deleted), true)...))
	_, err = svc.RevisionHistory(context.Background(), clientActor(), "deal-1", 0)
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}
