// Command bridge connects an MCP client on stdio to a running editor over a
// websocket and keeps that connection alive.
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
