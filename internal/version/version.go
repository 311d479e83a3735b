package version

import "fmt"

// Set at build time via -ldflags "-X askdoc/internal/version.Version=... -X askdoc/internal/version.Commit=...".
var (
	Version = "0.1.0"
	Commit  = "dev"
)

func String() string {
	return fmt.Sprintf("askdoc %s (%s)", Version, Commit)
}
