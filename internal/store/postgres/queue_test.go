package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"flowplane/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestEnqueue_Success(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	payload := []byte(`{"pipeline_id":"p1"}`)

	mock.ExpectExec(`INSERT INTO run_queue \(run_id, priority, state, payload\)`).
		WithArgs(runID, 75, payload).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Enqueue(ctx, nil, runID, payload, 75); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDequeueNext_ClaimsAndStartsRun(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	ctx := context.Background()
	runID := uuid.New()
	payload := []byte(`{}`)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT run_id, priority, payload`).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "priority", "payload"}).
			AddRow(runID, 50, payload))
	mock.ExpectExec(`UPDATE run_queue SET state = 'PROCESSING', worker_id = \$1`).
		WithArgs("worker-1", runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET status = 'RUNNING'`).
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	item, err := st.DequeueNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if item == nil {
		t.Fatal("expected a claimed item")
	}
	if item.RunID != runID {
		t.Errorf("got run %s, want %s", item.RunID, runID)
	}
	if item.Priority != 50 {
		t.Errorf("got priority %d, want 50", item.Priority)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDequeueNext_EmptyQueueReturnsNil(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT run_id, priority, payload`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	item, err := st.DequeueNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if item != nil {
		t.Errorf("expected nil on empty queue, got run %s", item.RunID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCompleteEntry_Success(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	ctx := context.Background()
	runID := uuid.New()

	mock.ExpectExec(`UPDATE run_queue SET state = \$1 WHERE run_id = \$2 AND state = 'PROCESSING'`).
		WithArgs(store.QueueStateCompleted, runID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.CompleteEntry(ctx, runID, store.QueueStateCompleted); err != nil {
		t.Fatalf("CompleteEntry failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCompleteEntry_InvalidTargetState(t *testing.T) {
	st, _ := newMockStore(t)
	defer st.db.Close()

	err := st.CompleteEntry(context.Background(), uuid.New(), store.QueueStateQueued)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteEntry_NotProcessing(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	ctx := context.Background()
	runID := uuid.New()

	mock.ExpectExec(`UPDATE run_queue SET state = \$1 WHERE run_id = \$2 AND state = 'PROCESSING'`).
		WithArgs(store.QueueStateFailed, runID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT state FROM run_queue WHERE run_id = \$1`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(store.QueueStateQueued))

	err := st.CompleteEntry(ctx, runID, store.QueueStateFailed)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCountQueued(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM run_queue WHERE state = 'QUEUED'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := st.CountQueued(context.Background())
	if err != nil {
		t.Fatalf("CountQueued failed: %v", err)
	}
	if n != 7 {
		t.Errorf("got %d, want 7", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
