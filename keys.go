//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

package userstate

// ContainerGroup is one batch of block keys sharing a container.
type ContainerGroup struct {
	Container string
	Keys      []BlockKey
}

// GroupByContainer partitions keys by their container so that multi-key
// operations can issue one query per container. Duplicate keys are dropped.
// Groups appear in order of first appearance, keys likewise within a group;
// callers must not rely on any ordering beyond determinism for equal input.
func GroupByContainer(keys []BlockKey) []ContainerGroup {
	var groups []ContainerGroup
	index := make(map[string]int, len(keys))
	seen := make(map[BlockKey]struct{}, len(keys))

	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		i, ok := index[key.Container]
		if !ok {
			i = len(groups)
			index[key.Container] = i
			groups = append(groups, ContainerGroup{Container: key.Container})
		}
		groups[i].Keys = append(groups[i].Keys, key)
	}
	return groups
}
