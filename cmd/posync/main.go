// Package main provides the posync till daemon and its maintenance commands.
// The till UI talks to the embedded server over REST/WebSocket on localhost:8090.
package main

import (
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "posync:", err)
		os.Exit(1)
	}
}
