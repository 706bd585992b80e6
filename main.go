// The main package for the landsat-ingest executable.
package main

import (
	"github.com/JakeFAU/landsat-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
