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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	userstate "trpc.group/trpc-go/trpc-userstate-go"
)

// errStopIteration aborts row iteration after a consumer stopped pulling
// from a lazy sequence. It never escapes this package.
var errStopIteration = errors.New("stop iteration")

// rowStatus is the decoded condition of one block_states row. The state
// column distinguishes three cases: never written (NULL), deleted ("{}")
// and populated (a non-empty JSON object).
type rowStatus int

const (
	rowUntouched rowStatus = iota
	rowTombstoned
	rowPopulated
)

// stateRow is one decoded block_states row.
type stateRow struct {
	id        int64
	key       userstate.BlockKey
	status    rowStatus
	state     userstate.StateMap // non-nil only when status == rowPopulated
	rawLen    int                // serialized size of the state column
	updatedAt time.Time
}

// decodeRowState decodes the nullable state column into its status and, for
// populated rows, the field map.
func decodeRowState(raw sql.NullString) (rowStatus, userstate.StateMap, error) {
	if !raw.Valid {
		return rowUntouched, nil, nil
	}
	var state userstate.StateMap
	if err := json.Unmarshal([]byte(raw.String), &state); err != nil {
		return rowUntouched, nil, fmt.Errorf("unmarshal state failed: %w", err)
	}
	if len(state) == 0 {
		return rowTombstoned, nil, nil
	}
	return rowPopulated, state, nil
}

// forEachStateRow reads the rows for the given keys and invokes fn for each
// one found. Keys are grouped by container so that one query is issued per
// container group; keys without a row are skipped silently. fn may return
// errStopIteration to abort the remaining rows and groups.
func (s *Service) forEachStateRow(
	ctx context.Context,
	username string,
	keys []userstate.BlockKey,
	fn func(row *stateRow) error,
) error {
	for _, group := range userstate.GroupByContainer(keys) {
		placeholders := make([]string, len(group.Keys))
		args := make([]any, 0, len(group.Keys)*2+2)
		args = append(args, username, group.Container)
		for i, key := range group.Keys {
			placeholders[i] = "(?, ?)"
			args = append(args, key.ID, key.Type)
		}

		query := fmt.Sprintf(`SELECT id, block_id, block_type, state, updated_at FROM %s
			WHERE username = ? AND container_key = ?
			AND (block_id, block_type) IN (%s)`,
			s.tableBlockStates, strings.Join(placeholders, ","))

		err := s.mysqlClient.Query(ctx, func(rows *sql.Rows) error {
			var id int64
			var blockID, blockType string
			var raw sql.NullString
			var updatedAt time.Time
			if err := rows.Scan(&id, &blockID, &blockType, &raw, &updatedAt); err != nil {
				return err
			}
			status, state, err := decodeRowState(raw)
			if err != nil {
				return fmt.Errorf("decode state for block %s/%s/%s failed: %w",
					group.Container, blockType, blockID, err)
			}
			return fn(&stateRow{
				id: id,
				key: userstate.BlockKey{
					Container: group.Container,
					Type:      blockType,
					ID:        blockID,
				},
				status:    status,
				state:     state,
				rawLen:    len(raw.String),
				updatedAt: updatedAt,
			})
		}, query, args...)
		if err != nil {
			return err
		}
	}
	return nil
}
