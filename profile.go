package boxd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Profile is a discovered launch profile: a named container configuration
// a caller can request instead of the daemon's default browser image.
type Profile struct {
	Name   string        // directory name, used as the profile identifier
	Dir    string        // absolute path to the profile directory
	Config ProfileConfig // parsed from profile.json
}

// ProfileConfig holds the configuration parsed from a profile's
// profile.json file. Absent fields fall back to the daemon configuration.
type ProfileConfig struct {
	Image         string            `json:"image"`         // image reference to run
	Env           map[string]string `json:"env"`           // environment variables passed to the container
	ContainerPort int               `json:"containerPort"` // port the browser listens on inside the container
	ShmSize       string            `json:"shmSize"`       // shared memory size, e.g. "2g"
	Args          []string          `json:"args"`          // command and arguments passed after the image
}

// DefaultProfilesDir returns the conventional profiles directory:
// ~/.boxd/profiles/.
func DefaultProfilesDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".boxd", "profiles"), nil
}

// DiscoverProfile loads a single profile by name from the given profiles
// directory. It returns ErrProfileNotFound if the profile directory does
// not exist, and ErrInvalidProfile if the directory exists but profile.json
// is missing or malformed.
func DiscoverProfile(profilesDir, name string) (Profile, error) {
	dir := filepath.Join(profilesDir, name)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	} else if err != nil {
		return Profile{}, fmt.Errorf("stat profile directory: %w", err)
	}

	configPath := filepath.Join(dir, "profile.json")
	//nolint:gosec // configPath is constructed from a trusted profiles directory, not user input
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return Profile{}, fmt.Errorf("%w: %s: profile.json not found", ErrInvalidProfile, name)
	} else if err != nil {
		return Profile{}, fmt.Errorf("read profile.json: %w", err)
	}

	var config ProfileConfig
	if jsonErr := json.Unmarshal(data, &config); jsonErr != nil {
		return Profile{}, fmt.Errorf("%w: %s: %w", ErrInvalidProfile, name, jsonErr)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return Profile{}, fmt.Errorf("resolve profile directory: %w", err)
	}

	return Profile{
		Name:   name,
		Dir:    absDir,
		Config: config,
	}, nil
}

// DiscoverAllProfiles loads all valid profiles from the given profiles
// directory. Entries that are not directories, or directories without a
// valid profile.json, are skipped. A missing profiles directory yields an
// empty slice. The returned slice is sorted by profile name.
func DiscoverAllProfiles(profilesDir string) ([]Profile, error) {
	entries, err := os.ReadDir(profilesDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read profiles directory: %w", err)
	}

	profiles := make([]Profile, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		profile, err := DiscoverProfile(profilesDir, entry.Name())
		if err != nil {
			if errors.Is(err, ErrInvalidProfile) {
				continue
			}
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Name < profiles[j].Name
	})

	return profiles, nil
}
