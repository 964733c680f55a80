package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"ms-booking/internal/models"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unique      bool
		unavailable bool
	}{
		{name: "unique violation", err: &pq.Error{Code: "23505"}, unique: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), unique: true},
		{name: "connection failure class", err: &pq.Error{Code: "08006"}, unavailable: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, unavailable: true},
		{name: "bad conn", err: driver.ErrBadConn, unavailable: true},
		{name: "conn done", err: sql.ErrConnDone, unavailable: true},
		{name: "network", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, unavailable: true},
		{name: "check violation", err: &pq.Error{Code: "23514"}},
		{name: "plain", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate(tt.err)
			assert.Equal(t, tt.unique, errors.Is(got, ErrUniqueViolation))
			assert.Equal(t, tt.unavailable, errors.Is(got, models.ErrStorageUnavailable))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestTranslate_PassesThroughNoRows(t *testing.T) {
	assert.Nil(t, Translate(nil))
	assert.Same(t, sql.ErrNoRows, Translate(sql.ErrNoRows))
}

func TestIsSQLiteDSN(t *testing.T) {
	assert.True(t, IsSQLiteDSN("sqlite:booking.db"))
	assert.True(t, IsSQLiteDSN("file::memory:?cache=shared"))
	assert.False(t, IsSQLiteDSN("postgres://localhost/booking"))
}
