package scaffold

import "os/exec"

// LookPathFunc resolves an executable name, like exec.LookPath.
type LookPathFunc func(file string) (string, error)

// detectOrder is the preference order when several package managers exist.
var detectOrder = []PackageManager{PackageManagerBun, PackageManagerPNPM, PackageManagerYarn}

// DetectPackageManager returns the first of bun, pnpm and yarn found on PATH,
// falling back to npm.
func DetectPackageManager() PackageManager {
	return DetectPackageManagerWith(exec.LookPath)
}

// DetectPackageManagerWith is DetectPackageManager with a custom lookup.
func DetectPackageManagerWith(lookPath LookPathFunc) PackageManager {
	for _, pm := range detectOrder {
		if _, err := lookPath(string(pm)); err == nil {
			return pm
		}
	}
	return PackageManagerNPM
}
