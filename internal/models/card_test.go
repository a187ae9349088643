package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCardIsExpired(t *testing.T) {
	now := time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC)
	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"yesterday", time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), true},
		{"today", time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), false},
		{"tomorrow", time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Card{ExpiryDate: tt.expiry}
			assert.Equal(t, tt.want, c.IsExpired(now))
		})
	}
}

func TestCardStatusValid(t *testing.T) {
	assert.True(t, CardStatusActive.Valid())
	assert.True(t, CardStatusBlocked.Valid())
	assert.True(t, CardStatusExpired.Valid())
	assert.False(t, CardStatus("FROZEN").Valid())
}

func TestPageRequestNormalize(t *testing.T) {
	p := PageRequest{Page: -2, Size: 500, SortBy: "balance; DROP TABLE cards", SortDir: "desc"}.Normalize()
	assert.Equal(t, 0, p.Page)
	assert.Equal(t, MaxPageSize, p.Size)
	assert.Equal(t, "id", p.SortBy)
	assert.Equal(t, "DESC", p.SortDir)

	p = PageRequest{}.Normalize()
	assert.Equal(t, DefaultPageSize, p.Size)
	assert.Equal(t, "ASC", p.SortDir)
}

func TestPageRequestOrderBy(t *testing.T) {
	assert.Equal(t, "id ASC", PageRequest{}.OrderBy())
	assert.Equal(t, "balance DESC, id ASC", PageRequest{SortBy: "balance", SortDir: "DESC"}.OrderBy())
	assert.Equal(t, 20, PageRequest{Page: 2, Size: 10}.Offset())
}
