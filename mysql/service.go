//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

// Package mysql provides the MySQL user state service.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	userstate "trpc.group/trpc-go/trpc-userstate-go"
	"trpc.group/trpc-go/trpc-userstate-go/identity"
	"trpc.group/trpc-go/trpc-userstate-go/internal/sqldb"
	"trpc.group/trpc-go/trpc-userstate-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-userstate-go/log"
	storage "trpc.group/trpc-go/trpc-userstate-go/storage/mysql"
)

var _ userstate.Service = (*Service)(nil)

// Service is the MySQL user state service.
type Service struct {
	opts        ServiceOpts
	mysqlClient storage.Client
	resolver    identity.Resolver
	recorder    *telemetry.Recorder

	// Table names with prefix applied
	tableBlockStates       string
	tableBlockStateHistory string
}

// NewService creates a new MySQL user state service.
// It requires either a DSN (WithMySQLClientDSN) or an instance name (WithMySQLInstance).
func NewService(options ...ServiceOpt) (*Service, error) {
	// Apply default options
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}

	// Create MySQL client
	builderOpts := []storage.ClientBuilderOpt{
		storage.WithClientBuilderDSN(opts.dsn),
		storage.WithExtraOptions(opts.extraOptions...),
	}
	if opts.dsn == "" && opts.instanceName != "" {
		// Method 2: Use pre-registered MySQL instance
		var ok bool
		if builderOpts, ok = storage.GetMySQLInstance(opts.instanceName); !ok {
			return nil, fmt.Errorf("mysql instance %s not found", opts.instanceName)
		}
	}

	mysqlClient, err := storage.GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create mysql client failed: %w", err)
	}

	resolver := opts.resolver
	if resolver == nil {
		resolver = identity.AllowAll{}
	}
	recorder := opts.recorder
	if recorder == nil {
		recorder = telemetry.DefaultRecorder()
	}

	// Create service
	s := &Service{
		opts:                   opts,
		mysqlClient:            mysqlClient,
		resolver:               resolver,
		recorder:               recorder,
		tableBlockStates:       sqldb.BuildTableName(opts.tablePrefix, sqldb.TableNameBlockStates),
		tableBlockStateHistory: sqldb.BuildTableName(opts.tablePrefix, sqldb.TableNameBlockStateHistory),
	}

	// Initialize database if needed
	if !opts.skipDBInit {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.initDB(ctx); err != nil {
			return nil, fmt.Errorf("init database failed: %w", err)
		}
	}

	return s, nil
}

// Close closes the service and releases resources.
func (s *Service) Close() error {
	if s.mysqlClient != nil {
		return s.mysqlClient.Close()
	}
	return nil
}

// Get retrieves the stored state for a single block.
func (s *Service) Get(
	ctx context.Context,
	username string,
	key userstate.BlockKey,
	scope userstate.Scope,
	fields []string,
) (*userstate.UserState, error) {
	for state, err := range s.GetMany(ctx, username, []userstate.BlockKey{key}, scope, fields) {
		if err != nil {
			return nil, err
		}
		return state, nil
	}
	return nil, fmt.Errorf("block %s for user %s: %w", key, username, userstate.ErrNotFound)
}

// GetMany retrieves the stored state for the given blocks as a lazy
// sequence. Absent and deleted keys are omitted without error.
func (s *Service) GetMany(
	ctx context.Context,
	username string,
	keys []userstate.BlockKey,
	scope userstate.Scope,
	fields []string,
) iter.Seq2[*userstate.UserState, error] {
	return func(yield func(*userstate.UserState, error) bool) {
		start := time.Now()
		defer func() {
			s.recorder.RecordDuration(ctx, telemetry.OperationGetMany, scope.String(), time.Since(start))
		}()

		if err := checkBatchKeys(username, keys, scope); err != nil {
			yield(nil, err)
			return
		}
		s.recorder.IncrCalls(ctx, telemetry.OperationGetMany, scope.String())
		s.recorder.AddBlocksRequested(ctx, telemetry.OperationGetMany, scope.String(), len(keys))

		err := s.forEachStateRow(ctx, username, keys, func(row *stateRow) error {
			if row.status != rowPopulated {
				// Tombstoned and untouched rows look absent to readers.
				return nil
			}
			s.recorder.IncrBlocksReturned(ctx, telemetry.OperationGetMany, scope.String(), row.key.Type)
			s.recorder.RecordStateSize(ctx, telemetry.OperationGetMany, scope.String(), row.key.Type, row.rawLen)
			state := &userstate.UserState{
				Username:  username,
				Key:       row.key,
				Scope:     scope,
				State:     row.state.Project(fields),
				UpdatedAt: row.updatedAt,
			}
			if !yield(state, nil) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(nil, err)
		}
	}
}

// Set merges state into the stored state for a single block.
func (s *Service) Set(
	ctx context.Context,
	username string,
	key userstate.BlockKey,
	state userstate.StateMap,
	scope userstate.Scope,
) error {
	return s.SetMany(ctx, username, map[userstate.BlockKey]userstate.StateMap{key: state}, scope)
}

// SetMany merges each partial state into its block's stored state, creating
// rows lazily. Writes are per-key: a uniqueness race while creating a row
// abandons the remaining pairs of the batch, a race while updating skips
// only the racing pair. Writes for anonymous principals are silently dropped.
func (s *Service) SetMany(
	ctx context.Context,
	username string,
	updates map[userstate.BlockKey]userstate.StateMap,
	scope userstate.Scope,
) error {
	start := time.Now()
	defer func() {
		s.recorder.RecordDuration(ctx, telemetry.OperationSetMany, scope.String(), time.Since(start))
	}()

	if err := scope.Check(); err != nil {
		return err
	}
	if username == "" {
		return userstate.ErrUsernameRequired
	}
	for key := range updates {
		if err := key.Check(); err != nil {
			return err
		}
	}
	s.recorder.IncrCalls(ctx, telemetry.OperationSetMany, scope.String())
	s.recorder.AddBlocksRequested(ctx, telemetry.OperationSetMany, scope.String(), len(updates))

	user, err := s.resolver.ResolveUser(ctx, username)
	if err != nil {
		return fmt.Errorf("resolve user %s failed: %w", username, err)
	}
	if user.Anonymous {
		log.DebugfContext(ctx, "skipping state write for anonymous user %s", username)
		return nil
	}

	for key, delta := range updates {
		race, err := s.writeState(ctx, username, key, delta, scope)
		if err != nil {
			return err
		}
		switch race {
		case raceOnCreate:
			log.WarnfContext(ctx,
				"duplicate entry creating state for user %s block %s, abandoning remaining writes",
				username, key)
			return nil
		case raceOnUpdate:
			log.WarnfContext(ctx,
				"duplicate entry updating state for user %s block %s, continuing",
				username, key)
			continue
		}
	}
	return nil
}

// Delete removes stored state for a single block.
func (s *Service) Delete(
	ctx context.Context,
	username string,
	key userstate.BlockKey,
	scope userstate.Scope,
	fields []string,
) error {
	return s.DeleteMany(ctx, username, []userstate.BlockKey{key}, scope, fields)
}

// DeleteMany removes stored state for the given blocks. A nil fields list
// replaces each block's state with a tombstone; a non-nil list removes only
// the named fields. Keys without a stored row are skipped.
func (s *Service) DeleteMany(
	ctx context.Context,
	username string,
	keys []userstate.BlockKey,
	scope userstate.Scope,
	fields []string,
) error {
	start := time.Now()
	defer func() {
		s.recorder.RecordDuration(ctx, telemetry.OperationDeleteMany, scope.String(), time.Since(start))
	}()

	if err := checkBatchKeys(username, keys, scope); err != nil {
		return err
	}
	s.recorder.IncrCalls(ctx, telemetry.OperationDeleteMany, scope.String())
	s.recorder.AddBlocksRequested(ctx, telemetry.OperationDeleteMany, scope.String(), len(keys))

	return s.forEachStateRow(ctx, username, keys, func(row *stateRow) error {
		next := row.state
		if next == nil {
			next = make(userstate.StateMap)
		}
		if fields == nil {
			// Full delete leaves a tombstone.
			next = make(userstate.StateMap)
		} else {
			for _, f := range fields {
				delete(next, f)
			}
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal state for block %s failed: %w", row.key, err)
		}
		if err := s.storeState(ctx, row.id, payload); err != nil {
			return fmt.Errorf("delete state for block %s failed: %w", row.key, err)
		}
		s.recorder.IncrBlocksUpdated(ctx, telemetry.OperationDeleteMany, scope.String(), row.key.Type)
		return nil
	})
}

// raceKind classifies a write that lost a uniqueness race.
type raceKind int

const (
	raceNone raceKind = iota
	raceOnCreate
	raceOnUpdate
)

// writeState persists one (key, partial state) pair: it creates the row if
// absent, otherwise merges the partial into the decoded current state and
// updates by primary id. The history row is written in the same transaction
// as every state change.
func (s *Service) writeState(
	ctx context.Context,
	username string,
	key userstate.BlockKey,
	delta userstate.StateMap,
	scope userstate.Scope,
) (raceKind, error) {
	var id int64
	var raw sql.NullString
	err := s.mysqlClient.QueryRow(ctx, []any{&id, &raw}, fmt.Sprintf(
		`SELECT id, state FROM %s WHERE username = ? AND container_key = ? AND block_id = ? AND block_type = ?`,
		s.tableBlockStates),
		username, key.Container, key.ID, key.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return s.insertState(ctx, username, key, delta, scope)
	}
	if err != nil {
		return raceNone, fmt.Errorf("read state for block %s failed: %w", key, err)
	}

	_, current, err := decodeRowState(raw)
	if err != nil {
		return raceNone, fmt.Errorf("decode state for block %s failed: %w", key, err)
	}
	if current == nil {
		current = make(userstate.StateMap)
	}
	current.Apply(delta)

	payload, err := json.Marshal(current)
	if err != nil {
		return raceNone, fmt.Errorf("marshal state for block %s failed: %w", key, err)
	}

	if err := s.storeState(ctx, id, payload); err != nil {
		if isDuplicateEntryError(err) {
			return raceOnUpdate, nil
		}
		return raceNone, fmt.Errorf("update state for block %s failed: %w", key, err)
	}
	s.recorder.IncrBlocksUpdated(ctx, telemetry.OperationSetMany, scope.String(), key.Type)
	s.recorder.RecordStateSize(ctx, telemetry.OperationSetMany, scope.String(), key.Type, len(payload))
	return raceNone, nil
}

// insertState creates the row for a previously unseen key together with its
// first history entry.
func (s *Service) insertState(
	ctx context.Context,
	username string,
	key userstate.BlockKey,
	delta userstate.StateMap,
	scope userstate.Scope,
) (raceKind, error) {
	payload, err := json.Marshal(delta)
	if err != nil {
		return raceNone, fmt.Errorf("marshal state for block %s failed: %w", key, err)
	}

	err = s.mysqlClient.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (username, container_key, block_id, block_type, state) VALUES (?, ?, ?, ?, ?)`,
			s.tableBlockStates),
			username, key.Container, key.ID, key.Type, payload)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (state_id, state) VALUES (?, ?)`,
			s.tableBlockStateHistory),
			id, payload)
		return err
	})
	if isDuplicateEntryError(err) {
		// Another writer created the row between our read and insert.
		return raceOnCreate, nil
	}
	if err != nil {
		return raceNone, fmt.Errorf("insert state for block %s failed: %w", key, err)
	}
	s.recorder.IncrBlocksCreated(ctx, telemetry.OperationSetMany, scope.String(), key.Type)
	s.recorder.RecordStateSize(ctx, telemetry.OperationSetMany, scope.String(), key.Type, len(payload))
	return raceNone, nil
}

// storeState updates an existing row's state by primary id and appends the
// matching history entry in one transaction. An UPDATE by id can never turn
// into an INSERT, so it cannot trip the unique key index of its own row.
func (s *Service) storeState(ctx context.Context, id int64, payload []byte) error {
	return s.mysqlClient.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET state = ? WHERE id = ?`, s.tableBlockStates),
			payload, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (state_id, state) VALUES (?, ?)`, s.tableBlockStateHistory),
			id, payload)
		return err
	})
}

// checkBatchKeys validates the inputs shared by the plural operations.
func checkBatchKeys(username string, keys []userstate.BlockKey, scope userstate.Scope) error {
	if err := scope.Check(); err != nil {
		return err
	}
	if username == "" {
		return userstate.ErrUsernameRequired
	}
	for _, key := range keys {
		if err := key.Check(); err != nil {
			return err
		}
	}
	return nil
}
