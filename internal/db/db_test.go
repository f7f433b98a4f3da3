package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestWrapNotFound(t *testing.T) {
	assert.NoError(t, WrapNotFound(nil))
	assert.ErrorIs(t, WrapNotFound(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, WrapNotFound(fmt.Errorf("scan: %w", pgx.ErrNoRows)), ErrNotFound)

	other := errors.New("connection reset")
	wrapped := WrapNotFound(other)
	assert.ErrorIs(t, wrapped, other)
	assert.False(t, errors.Is(wrapped, ErrNotFound))
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsNotFound(pgx.ErrNoRows))
	assert.True(t, IsNotFound(ErrNotFound))
	assert.False(t, IsNotFound(errors.New("boom")))

	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
}
