// Command keeper runs the market lifecycle engine and its operator tooling.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
