// Package version reports the build version of buildcoord.
package version

import (
	"fmt"
	"runtime"
)

// Version is overridden at build time with
// -ldflags "-X github.com/getpup/buildcoord/pkg/version.Version=v1.2.3".
var Version = "dev"

// String returns the version with the Go runtime it was built with.
func String() string {
	return fmt.Sprintf("buildcoord %s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
