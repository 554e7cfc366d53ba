// Command famlink-agent runs the screen-time sync core on a workstation:
// the local API, the bridge websocket and the grant sync against the
// configured authority.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
