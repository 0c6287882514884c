// The main package for the gigcrawler executable.
package main

import (
	"github.com/JakeFAU/gigcrawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
