//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory user state service implementation.
//
// It mirrors the observable semantics of the MySQL service, including
// tombstone-vs-absent reads and per-key history, and is intended for tests
// and single-process embedding.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	userstate "trpc.group/trpc-go/trpc-userstate-go"
	"trpc.group/trpc-go/trpc-userstate-go/identity"
	"trpc.group/trpc-go/trpc-userstate-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-userstate-go/log"
)

var _ userstate.Service = (*Service)(nil)

// historyEntry is one recorded version of a block's serialized state.
type historyEntry struct {
	raw       []byte
	createdAt time.Time
}

// record is the stored state of one (username, block key) pair. raw mirrors
// the nullable state column of the MySQL binding: nil means never written,
// "{}" is a tombstone, anything else a non-empty JSON object.
type record struct {
	raw       []byte
	updatedAt time.Time
	history   []historyEntry
}

// ServiceOpts is the options for the in-memory user state service.
type ServiceOpts struct {
	resolver identity.Resolver
	recorder *telemetry.Recorder
}

// ServiceOpt is the option for the in-memory user state service.
type ServiceOpt func(*ServiceOpts)

// WithUserResolver sets the identity resolver used to guard writes.
func WithUserResolver(resolver identity.Resolver) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.resolver = resolver
	}
}

// WithMetricsRecorder sets the telemetry recorder that receives operation
// metrics. When unset, the process-wide default recorder is used.
func WithMetricsRecorder(recorder *telemetry.Recorder) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.recorder = recorder
	}
}

// Service provides an in-memory implementation of userstate.Service.
type Service struct {
	mu       sync.RWMutex
	users    map[string]map[userstate.BlockKey]*record
	resolver identity.Resolver
	recorder *telemetry.Recorder
}

// NewService creates a new in-memory user state service.
func NewService(options ...ServiceOpt) *Service {
	opts := ServiceOpts{}
	for _, option := range options {
		option(&opts)
	}
	if opts.resolver == nil {
		opts.resolver = identity.AllowAll{}
	}
	if opts.recorder == nil {
		opts.recorder = telemetry.DefaultRecorder()
	}
	return &Service{
		users:    make(map[string]map[userstate.BlockKey]*record),
		resolver: opts.resolver,
		recorder: opts.recorder,
	}
}

// Close releases resources. The in-memory service holds none.
func (s *Service) Close() error {
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

// GetMany retrieves the stored state for the given blocks. Absent and
// deleted keys are omitted without error.
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

		// Snapshot matching records under the read lock, yield outside it.
		type result struct {
			key       userstate.BlockKey
			state     userstate.StateMap
			rawLen    int
			updatedAt time.Time
		}
		var results []result

		s.mu.RLock()
		records := s.users[username]
		for _, group := range userstate.GroupByContainer(keys) {
			for _, key := range group.Keys {
				rec, ok := records[key]
				if !ok {
					continue
				}
				state, err := decodeRecord(rec.raw)
				if err != nil {
					s.mu.RUnlock()
					yield(nil, fmt.Errorf("decode state for block %s failed: %w", key, err))
					return
				}
				if state == nil {
					// Tombstoned or untouched: looks absent to readers.
					continue
				}
				results = append(results, result{
					key:       key,
					state:     state.Project(fields),
					rawLen:    len(rec.raw),
					updatedAt: rec.updatedAt,
				})
			}
		}
		s.mu.RUnlock()

		for _, r := range results {
			s.recorder.IncrBlocksReturned(ctx, telemetry.OperationGetMany, scope.String(), r.key.Type)
			s.recorder.RecordStateSize(ctx, telemetry.OperationGetMany, scope.String(), r.key.Type, r.rawLen)
			if !yield(&userstate.UserState{
				Username:  username,
				Key:       r.key,
				Scope:     scope,
				State:     r.state,
				UpdatedAt: r.updatedAt,
			}, nil) {
				return
			}
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
// records lazily. Writes for anonymous principals are silently dropped.
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

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.users[username]
	if records == nil {
		records = make(map[userstate.BlockKey]*record)
		s.users[username] = records
	}

	for key, delta := range updates {
		rec, existed := records[key]
		if !existed {
			rec = &record{}
			records[key] = rec
		}
		current, err := decodeRecord(rec.raw)
		if err != nil {
			return fmt.Errorf("decode state for block %s failed: %w", key, err)
		}
		if current == nil {
			current = make(userstate.StateMap)
		}
		current.Apply(delta.Clone())

		if err := storeRecord(rec, current); err != nil {
			return fmt.Errorf("marshal state for block %s failed: %w", key, err)
		}
		if existed {
			s.recorder.IncrBlocksUpdated(ctx, telemetry.OperationSetMany, scope.String(), key.Type)
		} else {
			s.recorder.IncrBlocksCreated(ctx, telemetry.OperationSetMany, scope.String(), key.Type)
		}
		s.recorder.RecordStateSize(ctx, telemetry.OperationSetMany, scope.String(), key.Type, len(rec.raw))
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
// the named fields. Keys without a record are skipped.
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

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.users[username]
	for _, group := range userstate.GroupByContainer(keys) {
		for _, key := range group.Keys {
			rec, ok := records[key]
			if !ok {
				continue
			}
			next, err := decodeRecord(rec.raw)
			if err != nil {
				return fmt.Errorf("decode state for block %s failed: %w", key, err)
			}
			if next == nil || fields == nil {
				next = make(userstate.StateMap)
			} else {
				for _, f := range fields {
					delete(next, f)
				}
			}
			if err := storeRecord(rec, next); err != nil {
				return fmt.Errorf("marshal state for block %s failed: %w", key, err)
			}
			s.recorder.IncrBlocksUpdated(ctx, telemetry.OperationDeleteMany, scope.String(), key.Type)
		}
	}
	return nil
}

// GetHistory returns every recorded version of one block's state, most
// recent first. Versions whose state was empty carry a nil State.
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[username][key]
	if !ok || len(rec.history) == 0 {
		return nil, fmt.Errorf("history for block %s user %s: %w", key, username, userstate.ErrNotFound)
	}

	history := make([]*userstate.UserState, 0, len(rec.history))
	for i := len(rec.history) - 1; i >= 0; i-- {
		entry := rec.history[i]
		state, err := decodeRecord(entry.raw)
		if err != nil {
			return nil, fmt.Errorf("decode history entry for block %s failed: %w", key, err)
		}
		history = append(history, &userstate.UserState{
			Username:  username,
			Key:       key,
			Scope:     scope,
			State:     state,
			UpdatedAt: entry.createdAt,
		})
	}
	return history, nil
}

// IterAllForBlock iterates the stored state of every user for one block.
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
		s.scanStates(ctx, scope, func(k userstate.BlockKey) bool { return k == key }, yield)
	}
}

// IterAllForContainer iterates the stored state of every user for every
// block in a container, optionally restricted to one block type.
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
		s.scanStates(ctx, scope, func(k userstate.BlockKey) bool {
			return k.Container == container && (blockType == "" || k.Type == blockType)
		}, yield)
	}
}

// scanStates yields every populated record whose key matches. The snapshot
// is taken under the read lock before yielding; no ordering is guaranteed.
func (s *Service) scanStates(
	ctx context.Context,
	scope userstate.Scope,
	match func(userstate.BlockKey) bool,
	yield func(*userstate.UserState, error) bool,
) {
	start := time.Now()
	defer func() {
		s.recorder.RecordDuration(ctx, telemetry.OperationScan, scope.String(), time.Since(start))
	}()
	s.recorder.IncrCalls(ctx, telemetry.OperationScan, scope.String())

	var snapshot []*userstate.UserState
	s.mu.RLock()
	for username, records := range s.users {
		for key, rec := range records {
			if !match(key) {
				continue
			}
			state, err := decodeRecord(rec.raw)
			if err != nil {
				s.mu.RUnlock()
				yield(nil, fmt.Errorf("decode state for block %s failed: %w", key, err))
				return
			}
			if state == nil {
				continue
			}
			snapshot = append(snapshot, &userstate.UserState{
				Username:  username,
				Key:       key,
				Scope:     scope,
				State:     state,
				UpdatedAt: rec.updatedAt,
			})
		}
	}
	s.mu.RUnlock()

	for _, state := range snapshot {
		s.recorder.IncrBlocksReturned(ctx, telemetry.OperationScan, scope.String(), state.Key.Type)
		if !yield(state, nil) {
			return
		}
	}
}

// decodeRecord decodes a serialized state. It returns nil for untouched
// (nil raw) and tombstoned ("{}") records.
func decodeRecord(raw []byte) (userstate.StateMap, error) {
	if raw == nil {
		return nil, nil
	}
	var state userstate.StateMap
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if len(state) == 0 {
		return nil, nil
	}
	return state, nil
}

// storeRecord serializes next into the record and appends a history entry,
// mirroring the MySQL binding's update-plus-history transaction.
func storeRecord(rec *record, next userstate.StateMap) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.raw = payload
	rec.updatedAt = now
	rec.history = append(rec.history, historyEntry{raw: payload, createdAt: now})
	return nil
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
