package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/Dan9191/card-ledger/internal/apperr"
)

func pqErr(code, constraint string) *pq.Error {
	return &pq.Error{Code: pq.ErrorCode(code), Constraint: constraint, Message: "pq: " + code}
}

func TestMapPostgresError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate card number", pqErr(uniqueViolationCode, "cards_encrypted_card_number_key"), apperr.ErrDuplicatePAN},
		{"duplicate username", pqErr(uniqueViolationCode, "users_username_key"), apperr.ErrDuplicateUsername},
		{"duplicate email", pqErr(uniqueViolationCode, "users_email_key"), apperr.ErrDuplicateEmail},
		{"negative balance", pqErr(checkViolationCode, "cards_balance_non_negative"), apperr.ErrInsufficientFunds},
		{"other check", pqErr(checkViolationCode, "cards_status_check"), apperr.ErrInvalidInput},
		{"numeric overflow", pqErr(numericOutOfRangeCode, ""), apperr.ErrInvalidInput},
		{"wrapped overflow", fmt.Errorf("insert: %w", pqErr(numericOutOfRangeCode, "")), apperr.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapPostgresError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.NotEqual(t, apperr.KindInfrastructure, apperr.KindOf(got))
		})
	}
}

func TestMapPostgresErrorPassesThrough(t *testing.T) {
	assert.NoError(t, mapPostgresError(nil))

	raw := errors.New("boom")
	assert.Same(t, raw, mapPostgresError(raw))

	unknownUnique := pqErr(uniqueViolationCode, "some_other_key")
	assert.Same(t, unknownUnique, mapPostgresError(unknownUnique))

	deadlock := pqErr(deadlockDetectedCode, "")
	assert.Same(t, deadlock, mapPostgresError(deadlock))
}

func TestClassifyPostgres(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want transience
	}{
		{"serialization failure", pqErr(serializationFailureCode, ""), conflict},
		{"deadlock", pqErr(deadlockDetectedCode, ""), conflict},
		{"lock timeout", pqErr(lockNotAvailableCode, ""), conflict},
		{"statement timeout", pqErr(queryCanceledCode, ""), permanent},
		{"connection failure", pqErr("08006", ""), transient},
		{"connection exception", pqErr("08000", ""), transient},
		{"bad conn", driver.ErrBadConn, transient},
		{"conn done", fmt.Errorf("query: %w", sql.ErrConnDone), transient},
		{"syntax error", pqErr("42601", ""), permanent},
		{"plain error", errors.New("boom"), permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyPostgres(tt.err))
		})
	}
}

func postgresRetrier(tries int) retrier {
	r := newRetrier(tries, classifyPostgres, quietLogger())
	r.initial, r.max = 0, 0
	return r
}

func TestPostgresRetrierOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErr   error
		wantCalls int
	}{
		{"deadlock exhausts into conflict", pqErr(deadlockDetectedCode, ""), apperr.ErrConcurrencyConflict, 3},
		{"lock timeout exhausts into conflict", pqErr(lockNotAvailableCode, ""), apperr.ErrConcurrencyConflict, 3},
		{"serialization failure exhausts into conflict", pqErr(serializationFailureCode, ""), apperr.ErrConcurrencyConflict, 3},
		{"lost connection exhausts into unavailable", pqErr("08006", ""), apperr.ErrStoreUnavailable, 3},
		{"statement timeout is not retried", pqErr(queryCanceledCode, ""), apperr.ErrStoreUnavailable, 1},
		{"negative balance is a business rule", mapPostgresError(pqErr(checkViolationCode, "cards_balance_non_negative")), apperr.ErrInsufficientFunds, 1},
		{"overflow is invalid input", mapPostgresError(pqErr(numericOutOfRangeCode, "")), apperr.ErrInvalidInput, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := postgresRetrier(3).do(context.Background(), "transfer", func() error {
				calls++
				return tt.err
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestPostgresLockConflictIsInfrastructure(t *testing.T) {
	err := postgresRetrier(2).do(context.Background(), "transfer", func() error {
		return pqErr(lockNotAvailableCode, "")
	})
	assert.Equal(t, apperr.KindInfrastructure, apperr.KindOf(err))
	assert.NotErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.NotErrorIs(t, err, apperr.ErrCardNotActive)
}

func TestPostgresRetrierRecoversFromDeadlock(t *testing.T) {
	calls := 0
	err := postgresRetrier(3).do(context.Background(), "transfer", func() error {
		calls++
		if calls == 1 {
			return pqErr(deadlockDetectedCode, "")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
