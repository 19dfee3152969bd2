// Package storage defines the repository interfaces and entity types used by
// the authorization server core.
//
// The core depends on four repositories:
//   - ClientStore: registered OAuth clients
//   - UserStore: resource owners and their password hashes
//   - CodeStore: single-use authorization codes
//   - TokenStore: opaque access and refresh tokens
//
// Code redemption and refresh token rotation rely on the conditional consume
// operations of CodeStore and TokenStore being atomic. Every backend must
// guarantee that only one of several concurrent callers receives the record.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps, for development and tests
//   - storage/valkey: Valkey/Redis-compatible storage using Lua scripts
//   - storage/mysql: MySQL storage using row locks in transactions
//   - storage/mock: function-field mock for failure injection in tests
package storage
