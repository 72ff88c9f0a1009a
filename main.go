// The main package for the odfm executable.
package main

import (
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
