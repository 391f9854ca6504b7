// Command reportsync runs the offline sync client: a local control API with
// background sync, plus one-shot queue commands.
package main

import (
	"os"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
