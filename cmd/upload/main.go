// Command upload sends a photo to a photobooth server through the resilient
// upload chain and saves the styled result.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
