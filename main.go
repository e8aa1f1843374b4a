// The main package for the blockguard executable.
package main

import (
	"github.com/JakeFAU/blockguard/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
