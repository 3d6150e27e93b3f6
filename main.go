// The main package for the crawlcore executable.
package main

import (
	"github.com/JakeFAU/crawlcore/cmd"
)

func main() {
	cmd.Execute()
}
