//go:build !ios && !android

package enforcement

// DefaultPlatform returns the platform this binary was built for.
// Desktop builds have no OS enforcement and drive the simulator through
// the Apple adapter.
func DefaultPlatform() Platform {
	return PlatformIOS
}
