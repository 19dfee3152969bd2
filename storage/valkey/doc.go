// Package valkey provides a Valkey storage backend for the OAuth server core.
//
// Valkey is wire-compatible with Redis. The Store type implements
// [storage.Store], so codes and tokens survive restarts and can be shared by
// several server replicas.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}client:{clientID}           -> JSON(client)
//	{prefix}clients                     -> SET of client IDs
//	{prefix}user:{userID}               -> JSON(user)
//	{prefix}username:{username}         -> userID
//	{prefix}code:{code}                 -> JSON(code), TTL
//	{prefix}access:{token}              -> JSON(access token), TTL
//	{prefix}refresh:{token}             -> JSON(refresh token), TTL
//	{prefix}grants:{userID}:{clientID}  -> SET of credential keys
//	{prefix}useraccess:{userID}         -> SET of access token keys
//
// Codes and tokens expire through key TTLs, so no cleanup goroutine is needed.
//
// # Single Use
//
// Authorization codes and refresh tokens are consumed by a Lua script that
// checks the owning client and deletes the key in one step. Of any number of
// concurrent redemptions exactly one receives the record.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//		Address:   "localhost:6379",
//		KeyPrefix: "oauth:",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package valkey
