// Command agritrace runs the batch lifecycle engine and its maintenance tools.
package main

import (
	"fmt"
	"os"
)

var exitFunc = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agritrace:", err)
		exitFunc(1)
	}
}
