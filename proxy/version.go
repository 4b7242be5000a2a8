package proxy

// Version is the build identifier baked into the binary. Release builds
// override it at link time:
//
//	go build -ldflags "-X github.com/IvanBrykalov/memproxy/proxy.Version=1.2.3"
var Version = "1.0.0"

// PackageString is the full identifier the admin version command and the
// stats listing report.
func PackageString() string { return "memproxy " + Version }
