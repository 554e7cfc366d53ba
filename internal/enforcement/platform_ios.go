//go:build ios

package enforcement

// DefaultPlatform returns the platform this binary was built for
func DefaultPlatform() Platform {
	return PlatformIOS
}
