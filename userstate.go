//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

// Package userstate provides the core learner block-state contracts.
//
// A block state is a small dictionary of named JSON fields stored per
// (username, block key, scope). Services implementing Service persist those
// dictionaries with merge-on-write updates, tombstone deletion and an
// append-only change history.
package userstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"
)

// StateMap is a decoded block-state dictionary mapping field names to their
// JSON-encoded values.
type StateMap map[string]json.RawMessage

// Clone returns a deep copy of the state map.
func (m StateMap) Clone() StateMap {
	if m == nil {
		return nil
	}
	copied := make(StateMap, len(m))
	for k, v := range m {
		copiedValue := make(json.RawMessage, len(v))
		copy(copiedValue, v)
		copied[k] = copiedValue
	}
	return copied
}

// Apply merges delta into the map, overwriting by field name.
func (m StateMap) Apply(delta StateMap) {
	for k, v := range delta {
		m[k] = v
	}
}

// Project returns the intersection of the map with the requested field
// names. Absent fields are silently dropped. A nil fields list means all
// fields, in which case the map itself is returned.
func (m StateMap) Project(fields []string) StateMap {
	if fields == nil {
		return m
	}
	projected := make(StateMap, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			projected[f] = v
		}
	}
	return projected
}

var (
	// ErrNotFound is the error for a missing block state or history.
	ErrNotFound = errors.New("user state not found")
	// ErrUnsupportedScope is the error for an unimplemented scope value.
	ErrUnsupportedScope = errors.New("unsupported scope")
	// ErrServiceUnavailable is reserved for the service layer above this
	// library to signal an unreachable backing store.
	ErrServiceUnavailable = errors.New("user state service unavailable")
	// ErrPermissionDenied is reserved for authorization layers above this
	// library; the core never raises it.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUsernameRequired is the error for an empty username.
	ErrUsernameRequired = errors.New("username is required")
	// ErrInvalidBlockKey is the error for a block key with empty components.
	ErrInvalidBlockKey = errors.New("block key is invalid")
)

// Scope identifies which axis of block state an operation addresses.
// Only ScopeUserState is implemented; the remaining values are reserved and
// rejected with ErrUnsupportedScope at every operation boundary.
type Scope int

const (
	// ScopeUserState is per-user, per-block state. Fully supported.
	ScopeUserState Scope = iota
	// ScopePreferences is per-user, per-block-type state. Reserved.
	ScopePreferences
	// ScopeUserInfo is per-user global state. Reserved.
	ScopeUserInfo
	// ScopeUserStateSummary is per-block state shared across users. Reserved.
	ScopeUserStateSummary
)

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case ScopeUserState:
		return "user_state"
	case ScopePreferences:
		return "preferences"
	case ScopeUserInfo:
		return "user_info"
	case ScopeUserStateSummary:
		return "user_state_summary"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Check validates that the scope is implemented.
func (s Scope) Check() error {
	if s != ScopeUserState {
		return fmt.Errorf("%w: %s", ErrUnsupportedScope, s)
	}
	return nil
}

// BlockKey identifies one content block. Container is the key of the
// course/container owning the block and is used to batch queries; Type is
// the block kind; ID is the usage id unique within the container.
type BlockKey struct {
	Container string // container/course key
	Type      string // block type
	ID        string // usage id
}

// Check validates that all key components are set.
func (k BlockKey) Check() error {
	if k.Container == "" || k.Type == "" || k.ID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBlockKey, k.String())
	}
	return nil
}

// String renders the key as container/type/id.
func (k BlockKey) String() string {
	return k.Container + "/" + k.Type + "/" + k.ID
}

// CheckKey validates a (username, block key) pair.
func CheckKey(username string, key BlockKey) error {
	if username == "" {
		return ErrUsernameRequired
	}
	return key.Check()
}

// UserState is the read-model of one stored block state: the decoded fields
// plus their metadata. Services construct it only for records whose decoded
// state is non-empty; tombstoned and untouched records are never surfaced
// (except through GetHistory, where they appear with a nil State).
type UserState struct {
	Username  string    // owner of the state
	Key       BlockKey  // block the state belongs to
	Scope     Scope     // scope the state was read from
	State     StateMap  // decoded fields; nil only in history entries
	UpdatedAt time.Time // last modification time of the returned fields
}

// Service is the interface that all user-state services must implement.
//
// Singular operations delegate to their plural forms with one-element
// collections. Plural reads omit absent or deleted keys from their output
// with no error; singular reads signal absence with ErrNotFound.
type Service interface {
	// Get retrieves the stored state for a single block. fields, when
	// non-nil, restricts the returned state to the named fields. It returns
	// ErrNotFound if no non-empty state exists for the key.
	Get(ctx context.Context, username string, key BlockKey, scope Scope, fields []string) (*UserState, error)

	// GetMany retrieves the stored state for the given blocks. The sequence
	// is lazy and single-pass; no ordering is guaranteed across keys.
	GetMany(ctx context.Context, username string, keys []BlockKey, scope Scope, fields []string) iter.Seq2[*UserState, error]

	// Set merges state into the stored state for a single block, creating
	// the record if absent. Stored fields not named in state are kept.
	Set(ctx context.Context, username string, key BlockKey, state StateMap, scope Scope) error

	// SetMany merges each partial state into its block's stored state.
	// Writes are per-key, not transactional across the batch: a uniqueness
	// race on one key may leave the batch partially applied.
	SetMany(ctx context.Context, username string, updates map[BlockKey]StateMap, scope Scope) error

	// Delete removes stored state for a single block. A nil fields list
	// deletes all fields, leaving a tombstone; a non-nil list removes only
	// the named fields.
	Delete(ctx context.Context, username string, key BlockKey, scope Scope, fields []string) error

	// DeleteMany removes stored state for the given blocks.
	DeleteMany(ctx context.Context, username string, keys []BlockKey, scope Scope, fields []string) error

	// GetHistory returns all recorded versions of one block's state, most
	// recent first. Entries whose state was empty or never set carry a nil
	// State. It returns ErrNotFound if the record or its history is absent.
	GetHistory(ctx context.Context, username string, key BlockKey, scope Scope) ([]*UserState, error)

	// IterAllForBlock iterates the state of every user for one block.
	// Unordered, paginated internally, intended for offline jobs only.
	IterAllForBlock(ctx context.Context, key BlockKey, scope Scope) iter.Seq2[*UserState, error]

	// IterAllForContainer iterates the state of every user for every block
	// in a container, optionally filtered to one block type. Unordered,
	// paginated internally, intended for offline jobs only.
	IterAllForContainer(ctx context.Context, container, blockType string, scope Scope) iter.Seq2[*UserState, error]

	// Close closes the service.
	Close() error
}
