// The main package for the prompt-collector executable.
package main

import (
	"github.com/JakeFAU/prompt-collector/cmd"
)

func main() {
	cmd.Execute()
}
