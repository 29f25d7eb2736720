package gpufleet

// Version is the service version. Overridden at build time via
// -ldflags "-X github.com/gpufleet/gpufleet.Version=...".
var Version = "development"
