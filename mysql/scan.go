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
	"fmt"
	"iter"
	"time"

	userstate "trpc.group/trpc-go/trpc-userstate-go"
	"trpc.group/trpc-go/trpc-userstate-go/internal/telemetry"
)

// IterAllForBlock iterates the stored state of every user for one block.
// The sequence is unordered and paginated internally; rows written or
// removed during iteration may or may not be observed.
func (s *Service) IterAllForBlock(
	ctx context.Context,
	key userstate.BlockKey,
	scope userstate.Scope,
) iter.Seq2[*userstate.UserState, error] {
	return func(yield func(*userstate.UserState, error) bool) {
		if err := scope.Check(); err != nil {
			yield(nil, err)
			return
		}
		if err := key.Check(); err != nil {
			yield(nil, err)
			return
		}
		s.scanStates(ctx, scope,
			`container_key = ? AND block_type = ? AND block_id = ?`,
			[]any{key.Container, key.Type, key.ID},
			yield)
	}
}

// IterAllForContainer iterates the stored state of every user for every
// block in a container, optionally restricted to one block type. Same
// guarantees as IterAllForBlock.
func (s *Service) IterAllForContainer(
	ctx context.Context,
	container, blockType string,
	scope userstate.Scope,
) iter.Seq2[*userstate.UserState, error] {
	return func(yield func(*userstate.UserState, error) bool) {
		if err := scope.Check(); err != nil {
			yield(nil, err)
			return
		}
		if container == "" {
			yield(nil, fmt.Errorf("%w: empty container", userstate.ErrInvalidBlockKey))
			return
		}
		where := `container_key = ?`
		args := []any{container}
		if blockType != "" {
			where += ` AND block_type = ?`
			args = append(args, blockType)
		}
		s.scanStates(ctx, scope, where, args, yield)
	}
}

// scanStates walks block_states rows matching the where clause with keyset
// pagination on the primary id, yielding populated rows only. Each page is
// read fully before its rows are yielded so that no result set stays open
// while the consumer runs.
func (s *Service) scanStates(
	ctx context.Context,
	scope userstate.Scope,
	where string,
	args []any,
	yield func(*userstate.UserState, error) bool,
) {
	start := time.Now()
	defer func() {
		s.recorder.RecordDuration(ctx, telemetry.OperationScan, scope.String(), time.Since(start))
	}()
	s.recorder.IncrCalls(ctx, telemetry.OperationScan, scope.String())

	query := fmt.Sprintf(
		`SELECT id, username, container_key, block_id, block_type, state, updated_at FROM %s
		WHERE %s AND id > ? ORDER BY id LIMIT %d`,
		s.tableBlockStates, where, s.opts.scanPageSize)

	lastID := int64(0)
	for {
		var page []*userstate.UserState
		rowCount := 0

		pageArgs := make([]any, 0, len(args)+1)
		pageArgs = append(pageArgs, args...)
		pageArgs = append(pageArgs, lastID)

		err := s.mysqlClient.Query(ctx, func(rows *sql.Rows) error {
			var id int64
			var username, container, blockID, blockType string
			var raw sql.NullString
			var updatedAt time.Time
			if err := rows.Scan(&id, &username, &container, &blockID, &blockType, &raw, &updatedAt); err != nil {
				return err
			}
			rowCount++
			lastID = id

			status, state, err := decodeRowState(raw)
			if err != nil {
				return fmt.Errorf("decode state for block %s/%s/%s failed: %w",
					container, blockType, blockID, err)
			}
			if status != rowPopulated {
				return nil
			}
			s.recorder.RecordStateSize(ctx, telemetry.OperationScan, scope.String(), blockType, len(raw.String))
			page = append(page, &userstate.UserState{
				Username: username,
				Key: userstate.BlockKey{
					Container: container,
					Type:      blockType,
					ID:        blockID,
				},
				Scope:     scope,
				State:     state,
				UpdatedAt: updatedAt,
			})
			return nil
		}, query, pageArgs...)
		if err != nil {
			yield(nil, fmt.Errorf("scan states failed: %w", err))
			return
		}

		for _, state := range page {
			s.recorder.IncrBlocksReturned(ctx, telemetry.OperationScan, scope.String(), state.Key.Type)
			if !yield(state, nil) {
				return
			}
		}
		if rowCount < s.opts.scanPageSize {
			return
		}
	}
}
