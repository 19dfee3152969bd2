// Package memory provides an in-memory implementation of storage.Store.
//
// All maps are guarded by one sync.RWMutex. The conditional consume
// operations take the write lock, so concurrent redemptions of the same code
// or refresh token are serialized and only one caller wins. A background
// goroutine purges expired codes and tokens.
//
// The store keeps nothing across restarts and is not shared between
// processes. Use storage/valkey or storage/mysql for multi-instance deployments.
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, store, store, store, cfg, logger)
package memory
