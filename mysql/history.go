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
	"errors"
	"fmt"
	"time"

	userstate "trpc.group/trpc-go/trpc-userstate-go"
	"trpc.group/trpc-go/trpc-userstate-go/internal/telemetry"
)

// GetHistory returns every recorded version of one block's state, most
// recent first. Versions whose state was empty or never set carry a nil
// State. ErrNotFound is returned when the row or its history is absent.
func (s *Service) GetHistory(
	ctx context.Context,
	username string,
	key userstate.BlockKey,
	scope userstate.Scope,
) ([]*userstate.UserState, error) {
	start := time.Now()
	defer func() {
		s.recorder.RecordDuration(ctx, telemetry.OperationGetHistory, scope.String(), time.Since(start))
	}()

	if err := scope.Check(); err != nil {
		return nil, err
	}
	if err := userstate.CheckKey(username, key); err != nil {
		return nil, err
	}
	s.recorder.IncrCalls(ctx, telemetry.OperationGetHistory, scope.String())

	var id int64
	err := s.mysqlClient.QueryRow(ctx, []any{&id}, fmt.Sprintf(
		`SELECT id FROM %s WHERE username = ? AND container_key = ? AND block_id = ? AND block_type = ?`,
		s.tableBlockStates),
		username, key.Container, key.ID, key.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history for block %s user %s: %w", key, username, userstate.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read state row for block %s failed: %w", key, err)
	}

	var history []*userstate.UserState
	err = s.mysqlClient.Query(ctx, func(rows *sql.Rows) error {
		var raw sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&raw, &createdAt); err != nil {
			return err
		}
		status, state, err := decodeRowState(raw)
		if err != nil {
			return fmt.Errorf("decode history entry for block %s failed: %w", key, err)
		}
		if status != rowPopulated {
			state = nil
		}
		history = append(history, &userstate.UserState{
			Username:  username,
			Key:       key,
			Scope:     scope,
			State:     state,
			UpdatedAt: createdAt,
		})
		return nil
	}, fmt.Sprintf(
		`SELECT state, created_at FROM %s WHERE state_id = ? ORDER BY created_at DESC, id DESC`,
		s.tableBlockStateHistory),
		id)
	if err != nil {
		return nil, fmt.Errorf("read history for block %s failed: %w", key, err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("history for block %s user %s: %w", key, username, userstate.ErrNotFound)
	}
	return history, nil
}
