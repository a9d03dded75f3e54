//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry provides metric instruments for state store operations.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used for all state store metrics.
const MeterName = "trpc.group/trpc-go/trpc-userstate-go"

// Operation name attribute values.
const (
	OperationGetMany    = "get_many"
	OperationSetMany    = "set_many"
	OperationDeleteMany = "delete_many"
	OperationGetHistory = "get_history"
	OperationScan       = "scan"
)

// Attribute keys. Per-block signals additionally carry the block type so
// that series can be broken down by content-item kind.
const (
	KeyOperation = "userstate.operation"
	KeyScope     = "userstate.scope"
	KeyBlockType = "userstate.block_type"
)

// Recorder records per-operation metrics for a state store backend.
// All methods are safe on a nil *Recorder and on a Recorder whose
// instruments failed to initialize, so callers never need guards.
type Recorder struct {
	calls         metric.Int64Counter
	blocksIn      metric.Int64Counter
	blocksOut     metric.Int64Counter
	blocksCreated metric.Int64Counter
	blocksUpdated metric.Int64Counter
	stateSize     metric.Int64Histogram
	duration      metric.Float64Histogram
}

var (
	defaultRecorder     *Recorder
	defaultRecorderOnce sync.Once
)

// DefaultRecorder returns the process-wide Recorder backed by the global
// otel meter provider. Instruments are created lazily on first use so
// that importing this package has no side effects.
func DefaultRecorder() *Recorder {
	defaultRecorderOnce.Do(func() {
		defaultRecorder = NewRecorder(otel.GetMeterProvider().Meter(MeterName))
	})
	return defaultRecorder
}

// NewRecorder creates a Recorder with instruments from the given meter.
// Instrument creation errors leave the corresponding instrument nil;
// the recording methods skip nil instruments.
func NewRecorder(meter metric.Meter) *Recorder {
	r := &Recorder{}
	r.calls, _ = meter.Int64Counter(
		"userstate.store.calls",
		metric.WithDescription("Number of state store operations invoked."),
	)
	r.blocksIn, _ = meter.Int64Counter(
		"userstate.store.blocks_requested",
		metric.WithDescription("Number of block keys requested across operations."),
	)
	r.blocksOut, _ = meter.Int64Counter(
		"userstate.store.blocks_returned",
		metric.WithDescription("Number of block states returned to callers."),
	)
	r.blocksCreated, _ = meter.Int64Counter(
		"userstate.store.blocks_created",
		metric.WithDescription("Number of block state rows created."),
	)
	r.blocksUpdated, _ = meter.Int64Counter(
		"userstate.store.blocks_updated",
		metric.WithDescription("Number of existing block state rows updated or deleted."),
	)
	r.stateSize, _ = meter.Int64Histogram(
		"userstate.store.state_size",
		metric.WithDescription("Serialized size in bytes of state payloads read or written."),
		metric.WithUnit("By"),
	)
	r.duration, _ = meter.Float64Histogram(
		"userstate.store.duration",
		metric.WithDescription("Duration of state store operations in seconds."),
		metric.WithUnit("s"),
	)
	return r
}

// IncrCalls increments the operation counter for op.
func (r *Recorder) IncrCalls(ctx context.Context, op, scope string) {
	if r == nil || r.calls == nil {
		return
	}
	r.calls.Add(ctx, 1, metric.WithAttributes(opAttributes(op, scope)...))
}

// AddBlocksRequested adds n to the requested-blocks counter for op.
func (r *Recorder) AddBlocksRequested(ctx context.Context, op, scope string, n int) {
	if r == nil || r.blocksIn == nil {
		return
	}
	r.blocksIn.Add(ctx, int64(n), metric.WithAttributes(opAttributes(op, scope)...))
}

// IncrBlocksReturned increments the returned-blocks counter for one block
// of the given type.
func (r *Recorder) IncrBlocksReturned(ctx context.Context, op, scope, blockType string) {
	if r == nil || r.blocksOut == nil {
		return
	}
	r.blocksOut.Add(ctx, 1, metric.WithAttributes(blockAttributes(op, scope, blockType)...))
}

// IncrBlocksCreated increments the created-blocks counter for one block
// of the given type.
func (r *Recorder) IncrBlocksCreated(ctx context.Context, op, scope, blockType string) {
	if r == nil || r.blocksCreated == nil {
		return
	}
	r.blocksCreated.Add(ctx, 1, metric.WithAttributes(blockAttributes(op, scope, blockType)...))
}

// IncrBlocksUpdated increments the updated-blocks counter for one block
// of the given type. Deletions count as updates: they rewrite the row.
func (r *Recorder) IncrBlocksUpdated(ctx context.Context, op, scope, blockType string) {
	if r == nil || r.blocksUpdated == nil {
		return
	}
	r.blocksUpdated.Add(ctx, 1, metric.WithAttributes(blockAttributes(op, scope, blockType)...))
}

// RecordStateSize records the serialized byte size of one block's state
// payload.
func (r *Recorder) RecordStateSize(ctx context.Context, op, scope, blockType string, bytes int) {
	if r == nil || r.stateSize == nil {
		return
	}
	r.stateSize.Record(ctx, int64(bytes), metric.WithAttributes(blockAttributes(op, scope, blockType)...))
}

// RecordDuration records the elapsed time of an operation.
func (r *Recorder) RecordDuration(ctx context.Context, op, scope string, elapsed time.Duration) {
	if r == nil || r.duration == nil {
		return
	}
	r.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(opAttributes(op, scope)...))
}

func opAttributes(op, scope string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyOperation, op),
		attribute.String(KeyScope, scope),
	}
}

func blockAttributes(op, scope, blockType string) []attribute.KeyValue {
	return append(opAttributes(op, scope), attribute.String(KeyBlockType, blockType))
}
