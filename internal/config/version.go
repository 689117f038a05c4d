package config

import "fmt"

// CurrentVersion is the config file schema version this build writes
// and understands.
const CurrentVersion = 1

// VersionError reports a config file schema version this build cannot
// load.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); update the engine", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is no longer supported (current: %d); migrate the config file", e.Version, e.Current)
}

// ValidateVersion checks a config file's declared schema version.
// Zero is accepted as current so unversioned and programmatic configs
// load without ceremony.
func ValidateVersion(version int) error {
	if version == 0 || version == CurrentVersion {
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion}
}
