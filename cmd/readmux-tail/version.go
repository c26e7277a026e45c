package main

// Populated at build time via -ldflags.
var (
	gitSHA1   string = "unknown"
	buildDate string = "unknown"
)

func buildID() string {
	return gitSHA1 + "-" + buildDate
}
