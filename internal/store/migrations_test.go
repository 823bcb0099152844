package store

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsHaveGooseSections(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		sql := string(content)
		require.Truef(t, strings.Contains(sql, "-- +goose Up"), "%s lacks an up section", e.Name())
		require.Truef(t, strings.Contains(sql, "-- +goose Down"), "%s lacks a down section", e.Name())
	}
}

func TestNonNullJSON(t *testing.T) {
	require.JSONEq(t, `{}`, string(nonNullJSON(nil)))
	require.JSONEq(t, `{"a":1}`, string(nonNullJSON(json.RawMessage(`{"a":1}`))))
}
