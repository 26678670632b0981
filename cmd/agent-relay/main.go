package main

import (
	"fmt"
	"os"

	"github.com/relayworks/agent-relay/internal/relay"
)

func main() {
	if err := relay.Run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error: "+err.Error())
		os.Exit(1)
	}
}
