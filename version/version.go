package version

// Version is the version of fleet-scheduler, set at link time with
// -ldflags "-X github.com/determined-ai/fleetsched/version.Version=...".
var Version = "dev"
