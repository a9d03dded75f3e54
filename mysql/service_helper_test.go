//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

package mysql

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRowState(t *testing.T) {
	t.Run("null column is untouched", func(t *testing.T) {
		status, state, err := decodeRowState(sql.NullString{})
		require.NoError(t, err)
		assert.Equal(t, rowUntouched, status)
		assert.Nil(t, state)
	})

	t.Run("empty object is tombstoned", func(t *testing.T) {
		status, state, err := decodeRowState(sql.NullString{String: "{}", Valid: true})
		require.NoError(t, err)
		assert.Equal(t, rowTombstoned, status)
		assert.Nil(t, state)
	})

	t.Run("non-empty object is populated", func(t *testing.T) {
		status, state, err := decodeRowState(sql.NullString{String: `{"answer":"42"}`, Valid: true})
		require.NoError(t, err)
		assert.Equal(t, rowPopulated, status)
		require.Len(t, state, 1)
		assert.JSONEq(t, `"42"`, string(state["answer"]))
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		_, _, err := decodeRowState(sql.NullString{String: "not json", Valid: true})
		require.Error(t, err)
	})
}
