// The main package for the gateway executable.
package main

import (
	"github.com/JakeFAU/scrape-gateway/cmd"
)

func main() {
	cmd.Execute()
}
