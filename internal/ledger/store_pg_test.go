package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStore(db, 5), mock
}

func TestPGStoreBalanceDefaultsForUnknownPrincipal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT balance FROM token_balances").
		WithArgs("guest:new").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	bal, err := store.Balance(context.Background(), "guest:new")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 5 {
		t.Fatalf("expected default balance 5, got %d", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreDebitIfSufficient(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO token_balances").
		WithArgs("user-1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("UPDATE token_balances SET balance = balance -").
		WithArgs("user-1", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(10)))

	bal, ok, err := store.DebitIfSufficient(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("DebitIfSufficient: %v", err)
	}
	if !ok || bal != 10 {
		t.Fatalf("expected ok with balance 10, got ok=%v balance=%d", ok, bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreDebitInsufficientReportsBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO token_balances").
		WithArgs("user-1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("UPDATE token_balances SET balance = balance -").
		WithArgs("user-1", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery("SELECT balance FROM token_balances").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(3)))

	bal, ok, err := store.DebitIfSufficient(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("DebitIfSufficient: %v", err)
	}
	if ok {
		t.Fatalf("expected debit to be refused")
	}
	if bal != 3 {
		t.Fatalf("expected observed balance 3, got %d", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreCredit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO token_balances").
		WithArgs("user-1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("UPDATE token_balances SET balance = balance \\+").
		WithArgs("user-1", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(20)))

	bal, err := store.Credit(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if bal != 20 {
		t.Fatalf("expected balance 20, got %d", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreRejectsNonPositiveAmounts(t *testing.T) {
	store, mock := newMockStore(t)

	if _, _, err := store.DebitIfSufficient(context.Background(), "user-1", 0); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := store.Credit(context.Background(), "user-1", -4); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
