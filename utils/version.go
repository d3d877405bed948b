package utils

// Build metadata, overridden via -ldflags at release time.
var (
	Tag        = "dev"
	GitHash    = "unknown"
	BuildStamp = "unknown"
)
