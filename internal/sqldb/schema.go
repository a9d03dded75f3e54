//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

// Package sqldb provides common utilities for SQL database-based user state implementations.
package sqldb

// Table name constants
const (
	// TableNameBlockStates is the name of the current block states table
	TableNameBlockStates = "block_states"

	// TableNameBlockStateHistory is the name of the block state history table
	TableNameBlockStateHistory = "block_state_history"
)

// Index suffix constants
// These suffixes are appended to table names to create index names.
const (
	// IndexSuffixUniqueKey is the suffix for the unique index on the state key tuple
	IndexSuffixUniqueKey = "unique_key"

	// IndexSuffixLookup is the suffix for general lookup indexes
	IndexSuffixLookup = "lookup"

	// IndexSuffixCreatedAt is the suffix for created_at timestamp indexes
	IndexSuffixCreatedAt = "created_at"
)

// MySQL error code constants
// These error codes are consistent across all MySQL versions and language settings.
const (
	// MySQLErrDuplicateKeyName is the error code when an index with the same name already exists
	// Error 1061: Duplicate key name
	MySQLErrDuplicateKeyName uint16 = 1061

	// MySQLErrDuplicateEntry is the error code when a duplicate entry violates a unique constraint
	// Error 1062: Duplicate entry for key
	MySQLErrDuplicateEntry uint16 = 1062
)
