// Package mysql provides a MySQL storage backend for the OAuth server core.
//
// Tables are created on first connect (see EnsureSchema). Scopes are stored
// space-delimited; the client list columns hold JSON arrays.
//
// Authorization codes and refresh tokens are consumed inside a transaction
// that locks the row with SELECT ... FOR UPDATE, checks the owning client and
// deletes it. Expired rows are removed by PurgeExpired, which StartCleanup
// runs on an interval.
//
//	store, err := mysql.New(ctx, mysql.Config{
//		DSN: "oauth:secret@tcp(localhost:3306)/oauth",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//	store.StartCleanup(ctx, time.Minute)
package mysql
