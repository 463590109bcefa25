package version

var (
	// Version is the semantic version of the ledgerd binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build information on one line.
func String() string {
	return "ledgerd " + Version + " (" + Commit + ", " + BuildDate + ")"
}
