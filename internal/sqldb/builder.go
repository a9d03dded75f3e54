//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

package sqldb

import (
	"fmt"
	"strings"
)

// BuildTableName constructs a full table name with optional prefix.
// If prefix is empty, returns the base table name.
// If prefix is provided, automatically adds an underscore separator if not present.
//
// Examples:
//   - BuildTableName("", "block_states") -> "block_states"
//   - BuildTableName("test", "block_states") -> "test_block_states"
//   - BuildTableName("test_", "block_states") -> "test_block_states"
func BuildTableName(prefix, base string) string {
	if prefix == "" {
		return base
	}

	// Automatically add underscore if not present
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	return prefix + base
}

// BuildIndexName constructs an index name based on table name and suffix.
// The format is: idx_{tableName}_{suffix}
//
// Examples:
//   - BuildIndexName("", "block_states", "unique_key")
//     -> "idx_block_states_unique_key"
//   - BuildIndexName("test", "block_states", "lookup")
//     -> "idx_test_block_states_lookup"
func BuildIndexName(prefix, tableName, suffix string) string {
	fullTableName := BuildTableName(prefix, tableName)
	return fmt.Sprintf("idx_%s_%s", fullTableName, suffix)
}

// BuildAllTableNames builds all table names with the given prefix.
// Returns a map of base table name to full table name.
func BuildAllTableNames(prefix string) map[string]string {
	return map[string]string{
		TableNameBlockStates:       BuildTableName(prefix, TableNameBlockStates),
		TableNameBlockStateHistory: BuildTableName(prefix, TableNameBlockStateHistory),
	}
}
