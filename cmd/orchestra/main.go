// Command orchestra serves and chats with a team of persona agents.
package main

import (
	"context"
	"os"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
