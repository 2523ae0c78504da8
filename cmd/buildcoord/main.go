// Command buildcoord runs and operates build coordinator masters.
//
// Usage:
//
//	buildcoord serve --config buildcoord.yaml
//	buildcoord expire --config buildcoord.yaml --force-housekeeping
//	buildcoord stop --config buildcoord.yaml --id 14
//	buildcoord migrate --dialect postgres --output migrations
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
