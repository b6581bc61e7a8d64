// Command dkr encodes documents into visual memory containers and answers
// queries against them.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
