// kibbled is the control firmware of the networked multi-tank kibble
// dispenser.
package main

import (
	"fmt"
	"os"

	"github.com/kibbled/firmware/cmd/kibbled/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
