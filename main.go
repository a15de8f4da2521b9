// The main package for the convograph executable.
package main

import (
	"github.com/JakeFAU/convograph-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
