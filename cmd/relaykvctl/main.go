// Command relaykvctl is a small operator CLI over a relaykv namespace:
// push mutations onto the queue, read the current value of a key, watch
// a state key's delta stream, or run a storage processor in the
// foreground.
package main

import (
	"fmt"
	"os"

	"github.com/relaykv/relaykv/cmd/relaykvctl/cli"
)

func main() {
	root := cli.NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
