// ABOUTME: Product and version identification
// ABOUTME: Reported in the control handshake and by the command-line tools
package version

const (
	// Version is the software release
	Version = "0.1.0"
	// Product names the engine daemon
	Product = "audiocore"
	// Manufacturer is reported alongside Product
	Manufacturer = "Resonate"
)

// String returns "product version"
func String() string {
	return Product + " " + Version
}
