// Command toodle manages a to-do list kept in an embedded store and syncs it
// with other stores.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
