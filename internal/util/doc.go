// Package util holds small string helpers shared by the server, storage and
// HTTP layers.
package util
