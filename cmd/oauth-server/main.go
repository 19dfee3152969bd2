// Command oauth-server runs the OAuth 2.0 authorization server and manages
// its users and clients.
//
//	oauth-server serve --store valkey --valkey-addr localhost:6379
//	oauth-server seed
//	oauth-server client create --name "CLI" --grant client_credentials --scope read
//
// Every flag can also be set through an OAUTH_ environment variable
// (--valkey-addr becomes OAUTH_VALKEY_ADDR) or a YAML config file given
// with --config.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCommand(newApp())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
