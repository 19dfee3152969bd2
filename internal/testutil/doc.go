// Package testutil provides fixtures, a controllable clock and a pre-seeded
// in-memory store for tests.
package testutil
