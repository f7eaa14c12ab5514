package app

// Version is the build version, overridden at release time via
// -ldflags "-X github.com/oakci/oak/internal/app.Version=v...".
var Version = "0.3.0-dev"
