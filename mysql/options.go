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
	"trpc.group/trpc-go/trpc-userstate-go/identity"
	"trpc.group/trpc-go/trpc-userstate-go/internal/sqldb"
	"trpc.group/trpc-go/trpc-userstate-go/internal/telemetry"
)

const (
	// defaultScanPageSize is the number of rows fetched per page by the
	// bulk scan operations.
	defaultScanPageSize = 500
)

// ServiceOpts is the options for the MySQL user state service.
type ServiceOpts struct {
	// MySQL connection settings (using DSN or instance name)
	dsn          string // MySQL DSN connection string (recommended)
	instanceName string // Pre-registered MySQL instance name
	extraOptions []any  // Extra options passed to storage layer

	// scanPageSize is the page size for bulk scans over all users.
	scanPageSize int

	// skipDBInit skips database initialization (table and index creation).
	// Useful when user doesn't have DDL permissions or when tables are managed externally.
	skipDBInit bool

	// tablePrefix is the prefix for all table names.
	// Default is empty string (no prefix).
	tablePrefix string

	// resolver maps usernames to principals for write guarding.
	resolver identity.Resolver

	// recorder receives operation metrics.
	recorder *telemetry.Recorder
}

// ServiceOpt is the option for the MySQL user state service.
type ServiceOpt func(*ServiceOpts)

var defaultOptions = ServiceOpts{
	scanPageSize: defaultScanPageSize,
}

// WithMySQLClientDSN sets the MySQL DSN connection string directly (recommended).
// Example: "user:password@tcp(localhost:3306)/userstate?parseTime=true&charset=utf8mb4"
//
// This is the preferred way to connect to MySQL as it:
// - Simplifies configuration (all connection params in one string)
// - Supports all MySQL connection parameters
// - Is consistent with storage/mysql
func WithMySQLClientDSN(dsn string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.dsn = dsn
	}
}

// WithMySQLInstance uses a MySQL instance from storage.
// The instance must be registered via storage.RegisterMySQLInstance() before use.
//
// Note: WithMySQLClientDSN has higher priority than WithMySQLInstance.
// If both are specified, DSN will be used.
func WithMySQLInstance(instanceName string) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.instanceName = instanceName
	}
}

// WithExtraOptions sets the extra options for the MySQL user state service.
// These options will be passed to the MySQL client builder.
func WithExtraOptions(extraOptions ...any) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.extraOptions = append(opts.extraOptions, extraOptions...)
	}
}

// WithScanPageSize sets the page size used by IterAllForBlock and
// IterAllForContainer. Values below 1 fall back to the default.
func WithScanPageSize(size int) ServiceOpt {
	return func(opts *ServiceOpts) {
		if size < 1 {
			size = defaultScanPageSize
		}
		opts.scanPageSize = size
	}
}

// WithSkipDBInit skips database initialization (table and index creation).
// Useful when:
// - User doesn't have DDL permissions
// - Tables are managed by migration tools
// - Running in production environment where schema is pre-created
func WithSkipDBInit(skip bool) ServiceOpt {
	return func(opts *ServiceOpts) {
		opts.skipDBInit = skip
	}
}

// WithTablePrefix sets a prefix for all table names.
// For example, with prefix "trpc", tables will be named:
// - trpc_block_states
// - trpc_block_state_history
//
// Note: An underscore will be automatically added if not present.
// "trpc" and "trpc_" both result in "trpc_" prefix.
//
// Security: Uses internal/sqldb.ValidateTablePrefix to prevent SQL injection.
func WithTablePrefix(prefix string) ServiceOpt {
	return func(opts *ServiceOpts) {
		if prefix == "" {
			opts.tablePrefix = ""
			return
		}

		// Use the common validation logic from internal/sqldb
		sqldb.MustValidateTablePrefix(prefix)

		opts.tablePrefix = prefix
	}
}

// WithUserResolver sets the identity resolver used to guard writes.
// When unset, every non-empty username resolves to a persistable principal.
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
