//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	userstate "trpc.group/trpc-go/trpc-userstate-go"
	"trpc.group/trpc-go/trpc-userstate-go/identity"
	"trpc.group/trpc-go/trpc-userstate-go/internal/telemetry"
)

var (
	keyProblem = userstate.BlockKey{Container: "course-v1:edX+DemoX+2026", Type: "problem", ID: "block-p1"}
	keyVideo   = userstate.BlockKey{Container: "course-v1:edX+DemoX+2026", Type: "video", ID: "block-v1"}
	keyOther   = userstate.BlockKey{Container: "course-v1:edX+Other+2026", Type: "problem", ID: "block-o1"}
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func mustSet(t *testing.T, s *Service, username string, key userstate.BlockKey, state userstate.StateMap) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), username, key, state, userstate.ScopeUserState))
}

func collect(t *testing.T, seq func(func(*userstate.UserState, error) bool)) []*userstate.UserState {
	t.Helper()
	var states []*userstate.UserState
	for state, err := range seq {
		require.NoError(t, err)
		states = append(states, state)
	}
	return states
}

func TestGet_NeverWrittenIsNotFound(t *testing.T) {
	s := NewService()
	_, err := s.Get(context.Background(), "alice", keyProblem, userstate.ScopeUserState, nil)
	require.ErrorIs(t, err, userstate.ErrNotFound)
}

func TestSetThenGet(t *testing.T) {
	s := NewService()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"answer": raw(`"42"`)})

	got, err := s.Get(context.Background(), "alice", keyProblem, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, keyProblem, got.Key)
	assert.JSONEq(t, `"42"`, string(got.State["answer"]))
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSet_MergesInsteadOfReplacing(t *testing.T) {
	s := NewService()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"answer": raw(`"41"`), "tries": raw(`1`)})
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"answer": raw(`"42"`)})

	got, err := s.Get(context.Background(), "alice", keyProblem, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"42"`, string(got.State["answer"]))
	assert.JSONEq(t, `1`, string(got.State["tries"]))
}

func TestGet_ProjectsFields(t *testing.T) {
	s := NewService()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"answer": raw(`"42"`), "tries": raw(`3`)})

	got, err := s.Get(context.Background(), "alice", keyProblem,
		userstate.ScopeUserState, []string{"tries", "missing"})
	require.NoError(t, err)
	assert.Len(t, got.State, 1)
	assert.JSONEq(t, `3`, string(got.State["tries"]))
}

func TestGetMany_OmitsAbsentKeys(t *testing.T) {
	s := NewService()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})

	states := collect(t, s.GetMany(context.Background(), "alice",
		[]userstate.BlockKey{keyProblem, keyVideo, keyOther},
		userstate.ScopeUserState, nil))
	require.Len(t, states, 1)
	assert.Equal(t, keyProblem, states[0].Key)
}

func TestGetMany_IsolatedPerUser(t *testing.T) {
	s := NewService()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})

	_, err := s.Get(context.Background(), "bob", keyProblem, userstate.ScopeUserState, nil)
	require.ErrorIs(t, err, userstate.ErrNotFound)
}

func TestDelete_DeletedBlockLooksNeverWritten(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})

	require.NoError(t, s.Delete(ctx, "alice", keyProblem, userstate.ScopeUserState, nil))

	_, err := s.Get(ctx, "alice", keyProblem, userstate.ScopeUserState, nil)
	require.ErrorIs(t, err, userstate.ErrNotFound)

	// Writing again resurrects the block from an empty state.
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"b": raw(`2`)})
	got, err := s.Get(ctx, "alice", keyProblem, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	assert.Len(t, got.State, 1)
	assert.JSONEq(t, `2`, string(got.State["b"]))
}

func TestDelete_FieldsOnly(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`), "b": raw(`2`)})

	require.NoError(t, s.Delete(ctx, "alice", keyProblem, userstate.ScopeUserState, []string{"a", "missing"}))

	got, err := s.Get(ctx, "alice", keyProblem, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	assert.Len(t, got.State, 1)
	assert.JSONEq(t, `2`, string(got.State["b"]))
}

func TestDelete_AllFieldsLeavesTombstone(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})

	require.NoError(t, s.Delete(ctx, "alice", keyProblem, userstate.ScopeUserState, []string{"a"}))

	_, err := s.Get(ctx, "alice", keyProblem, userstate.ScopeUserState, nil)
	require.ErrorIs(t, err, userstate.ErrNotFound)
}

func TestDeleteMany_MissingKeysAreSkipped(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})

	err := s.DeleteMany(ctx, "alice",
		[]userstate.BlockKey{keyProblem, keyVideo}, userstate.ScopeUserState, nil)
	require.NoError(t, err)

	// Delete is idempotent.
	err = s.DeleteMany(ctx, "alice",
		[]userstate.BlockKey{keyProblem, keyVideo}, userstate.ScopeUserState, nil)
	require.NoError(t, err)
}

func TestGetHistory_NewestFirst(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"answer": raw(`"41"`)})
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"answer": raw(`"42"`)})
	require.NoError(t, s.Delete(ctx, "alice", keyProblem, userstate.ScopeUserState, nil))

	history, err := s.GetHistory(ctx, "alice", keyProblem, userstate.ScopeUserState)
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Deletions are recorded too; an empty version carries a nil State.
	assert.Nil(t, history[0].State)
	assert.JSONEq(t, `"42"`, string(history[1].State["answer"]))
	assert.JSONEq(t, `"41"`, string(history[2].State["answer"]))

	for i := 1; i < len(history); i++ {
		assert.False(t, history[i-1].UpdatedAt.Before(history[i].UpdatedAt))
	}
}

func TestGetHistory_NeverWrittenIsNotFound(t *testing.T) {
	s := NewService()
	_, err := s.GetHistory(context.Background(), "alice", keyProblem, userstate.ScopeUserState)
	require.ErrorIs(t, err, userstate.ErrNotFound)
}

func TestIterAllForBlock(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})
	mustSet(t, s, "bob", keyProblem, userstate.StateMap{"a": raw(`2`)})
	mustSet(t, s, "carol", keyProblem, userstate.StateMap{"a": raw(`3`)})
	mustSet(t, s, "dave", keyVideo, userstate.StateMap{"a": raw(`4`)})
	require.NoError(t, s.Delete(ctx, "carol", keyProblem, userstate.ScopeUserState, nil))

	states := collect(t, s.IterAllForBlock(ctx, keyProblem, userstate.ScopeUserState))
	require.Len(t, states, 2)

	usernames := map[string]bool{}
	for _, state := range states {
		assert.Equal(t, keyProblem, state.Key)
		usernames[state.Username] = true
	}
	assert.True(t, usernames["alice"])
	assert.True(t, usernames["bob"])
}

func TestIterAllForContainer(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})
	mustSet(t, s, "alice", keyVideo, userstate.StateMap{"a": raw(`2`)})
	mustSet(t, s, "bob", keyOther, userstate.StateMap{"a": raw(`3`)})

	t.Run("all block types", func(t *testing.T) {
		states := collect(t, s.IterAllForContainer(ctx, keyProblem.Container, "", userstate.ScopeUserState))
		assert.Len(t, states, 2)
	})

	t.Run("filtered by block type", func(t *testing.T) {
		states := collect(t, s.IterAllForContainer(ctx, keyProblem.Container, "video", userstate.ScopeUserState))
		require.Len(t, states, 1)
		assert.Equal(t, keyVideo, states[0].Key)
	})

	t.Run("empty container", func(t *testing.T) {
		for _, err := range s.IterAllForContainer(ctx, "", "", userstate.ScopeUserState) {
			assert.ErrorIs(t, err, userstate.ErrInvalidBlockKey)
		}
	})
}

func TestIterAllForBlock_EarlyBreak(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})
	mustSet(t, s, "bob", keyProblem, userstate.StateMap{"a": raw(`2`)})

	seen := 0
	for _, err := range s.IterAllForBlock(ctx, keyProblem, userstate.ScopeUserState) {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestUnsupportedScope(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	for _, scope := range []userstate.Scope{
		userstate.ScopePreferences,
		userstate.ScopeUserInfo,
		userstate.ScopeUserStateSummary,
	} {
		_, err := s.Get(ctx, "alice", keyProblem, scope, nil)
		assert.ErrorIs(t, err, userstate.ErrUnsupportedScope)

		err = s.Set(ctx, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)}, scope)
		assert.ErrorIs(t, err, userstate.ErrUnsupportedScope)

		err = s.Delete(ctx, "alice", keyProblem, scope, nil)
		assert.ErrorIs(t, err, userstate.ErrUnsupportedScope)

		_, err = s.GetHistory(ctx, "alice", keyProblem, scope)
		assert.ErrorIs(t, err, userstate.ErrUnsupportedScope)
	}
}

func TestInvalidInputs(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	_, err := s.Get(ctx, "", keyProblem, userstate.ScopeUserState, nil)
	assert.ErrorIs(t, err, userstate.ErrUsernameRequired)

	badKey := userstate.BlockKey{Container: "c", Type: "problem"}
	_, err = s.Get(ctx, "alice", badKey, userstate.ScopeUserState, nil)
	assert.ErrorIs(t, err, userstate.ErrInvalidBlockKey)

	err = s.Set(ctx, "alice", badKey, userstate.StateMap{"a": raw(`1`)}, userstate.ScopeUserState)
	assert.ErrorIs(t, err, userstate.ErrInvalidBlockKey)
}

func TestSet_AnonymousUserIsSilentNoOp(t *testing.T) {
	resolver := identity.NewStaticResolver()
	anon := identity.NewAnonymousUser()
	resolver.AddUser(anon)
	s := NewService(WithUserResolver(resolver))
	ctx := context.Background()

	err := s.Set(ctx, anon.Username, keyProblem, userstate.StateMap{"a": raw(`1`)}, userstate.ScopeUserState)
	require.NoError(t, err)

	_, err = s.Get(ctx, anon.Username, keyProblem, userstate.ScopeUserState, nil)
	require.ErrorIs(t, err, userstate.ErrNotFound)
}

func TestSet_UnknownUser(t *testing.T) {
	s := NewService(WithUserResolver(identity.NewStaticResolver()))

	err := s.Set(context.Background(), "ghost", keyProblem,
		userstate.StateMap{"a": raw(`1`)}, userstate.ScopeUserState)
	require.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestSet_Idempotent(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	state := userstate.StateMap{"answer": raw(`"42"`), "tries": raw(`3`)}

	mustSet(t, s, "alice", keyProblem, state)
	mustSet(t, s, "alice", keyProblem, state)

	got, err := s.Get(ctx, "alice", keyProblem, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	assert.Len(t, got.State, 2)
	assert.JSONEq(t, `"42"`, string(got.State["answer"]))
	assert.JSONEq(t, `3`, string(got.State["tries"]))

	// Both writes are recorded; the versions are identical.
	history, err := s.GetHistory(ctx, "alice", keyProblem, userstate.ScopeUserState)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, history[0].State, history[1].State)
}

func TestOperationsRecordMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	s := NewService(WithMetricsRecorder(telemetry.NewRecorder(provider.Meter(telemetry.MeterName))))
	ctx := context.Background()

	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"a": raw(`1`)})
	mustSet(t, s, "alice", keyProblem, userstate.StateMap{"b": raw(`2`)})
	_, err := s.Get(ctx, "alice", keyProblem, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "alice", keyProblem, userstate.ScopeUserState, nil))
	_, err = s.GetHistory(ctx, "alice", keyProblem, userstate.ScopeUserState)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	metrics := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			metrics[m.Name] = m
		}
	}

	// Create and merge-update are separate series; the delete counts as an
	// update. All per-block series carry the block type.
	created, ok := metrics["userstate.store.blocks_created"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, created.DataPoints, 1)
	assert.Equal(t, int64(1), created.DataPoints[0].Value)
	blockType, ok := created.DataPoints[0].Attributes.Value(attribute.Key(telemetry.KeyBlockType))
	require.True(t, ok)
	assert.Equal(t, keyProblem.Type, blockType.AsString())

	updated, ok := metrics["userstate.store.blocks_updated"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var updatedTotal int64
	for _, p := range updated.DataPoints {
		updatedTotal += p.Value
	}
	assert.Equal(t, int64(2), updatedTotal)

	// Every operation, including the in-memory paths, records its duration.
	duration, ok := metrics["userstate.store.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	ops := make(map[string]bool)
	for _, p := range duration.DataPoints {
		op, ok := p.Attributes.Value(attribute.Key(telemetry.KeyOperation))
		require.True(t, ok)
		ops[op.AsString()] = true
	}
	assert.True(t, ops[telemetry.OperationGetMany])
	assert.True(t, ops[telemetry.OperationSetMany])
	assert.True(t, ops[telemetry.OperationDeleteMany])
	assert.True(t, ops[telemetry.OperationGetHistory])
}

func TestSet_DeltaIsNotAliased(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	delta := userstate.StateMap{"a": raw(`1`)}
	mustSet(t, s, "alice", keyProblem, delta)
	delta["a"] = raw(`999`)
	delta["b"] = raw(`2`)

	got, err := s.Get(ctx, "alice", keyProblem, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	assert.Len(t, got.State, 1)
	assert.JSONEq(t, `1`, string(got.State["a"]))
}
