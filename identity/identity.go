//
// Tencent is pleased to support the open source community by making trpc-userstate-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-userstate-go is licensed under the Apache License Version 2.0.
//
//

// Package identity resolves usernames to principals for the user-state
// services. It is a narrow boundary: services only need to know whether a
// username resolves and whether the principal can be persisted.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrUserNotFound is the error for an unresolvable username.
var ErrUserNotFound = errors.New("identity: user not found")

// User is a resolved principal.
type User struct {
	ID       string // stable identifier of the principal
	Username string // username the principal was resolved from
	// Anonymous marks an unpersistable principal. State writes for
	// anonymous principals are ephemeral and silently skipped.
	Anonymous bool
}

// Resolver resolves a username to a principal. Implementations return
// ErrUserNotFound for unknown usernames and must flag anonymous principals
// rather than failing them.
type Resolver interface {
	ResolveUser(ctx context.Context, username string) (*User, error)
}

// AllowAll resolves every non-empty username to a persistable principal
// whose ID equals the username. It is the default resolver for services
// embedded in systems that validate users at a higher layer.
type AllowAll struct{}

// ResolveUser implements Resolver.
func (AllowAll) ResolveUser(_ context.Context, username string) (*User, error) {
	if username == "" {
		return nil, ErrUserNotFound
	}
	return &User{ID: username, Username: username}, nil
}

// StaticResolver resolves usernames from a fixed in-memory directory.
type StaticResolver struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{users: make(map[string]*User)}
}

// AddUser registers a principal under its username, replacing any previous
// registration.
func (r *StaticResolver) AddUser(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Username] = u
}

// ResolveUser implements Resolver.
func (r *StaticResolver) ResolveUser(_ context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

// NewAnonymousUser mints a fresh anonymous principal. Anonymous usernames
// carry a generated id so that log lines stay distinguishable even though
// nothing is persisted for them.
func NewAnonymousUser() *User {
	id := uuid.New().String()
	return &User{
		ID:        id,
		Username:  "anonymous-" + id,
		Anonymous: true,
	}
}
