// The main package for the searchcore executable.
package main

import (
	"os"

	"github.com/JakeFAU/searchcore/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
