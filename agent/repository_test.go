package agent

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestPGRepository_DeleteRemovesClientsAndPlaceholders(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM deals WHERE agent_id = a.id\)`).
		WithArgs("agent-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`DELETE FROM invitations WHERE agent_id = \$1`).
		WithArgs("agent-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery(`DELETE FROM clients WHERE agent_id = \$1 RETURNING user_id`).
		WithArgs("agent-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("u-1").AddRow("u-2"))
	mock.ExpectExec(`DELETE FROM users`).
		WithArgs([]string{"u-1", "u-2"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM agents WHERE id = \$1`).
		WithArgs("agent-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	n, err := NewRepository(mock).Delete(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_DeleteRefusesAgentWithDeals(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM agents a\s+WHERE a.id = \$1\s+FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err = NewRepository(mock).Delete(context.Background(), "agent-1")
	require.ErrorIs(t, err, ErrHasDeals)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_CreateDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO agents`).
		WithArgs("user-1", (*string)(nil), (*string)(nil), (*string)(nil), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err = NewRepository(mock).Create(context.Background(), "user-1", ProfileInput{}, time.Now())
	require.ErrorIs(t, err, ErrExists)
	require.NoError(t, mock.ExpectationsWereMet())
}
