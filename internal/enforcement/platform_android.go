//go:build android

package enforcement

// DefaultPlatform returns the platform this binary was built for
func DefaultPlatform() Platform {
	return PlatformAndroid
}
