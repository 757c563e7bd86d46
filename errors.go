package boxd

import "errors"

// ErrCapacityExceeded is returned when the session ceiling is reached.
// Callers may retry later once a slot frees up.
var ErrCapacityExceeded = errors.New("session capacity exceeded")

// ErrImageUnavailable is returned when the browser image is not present
// locally and cannot be pulled.
var ErrImageUnavailable = errors.New("image unavailable")

// ErrProvisionFailed is returned when the container could not be started
// after the retry budget is exhausted.
var ErrProvisionFailed = errors.New("container provisioning failed")

// ErrSessionNotFound is returned when an operation references an id with no
// active session.
var ErrSessionNotFound = errors.New("session not found")

// ErrDuplicateSession is returned when the registry already holds a session
// with the same id. Ids are container ids assigned by the runtime, so this
// indicates a runtime-level anomaly.
var ErrDuplicateSession = errors.New("duplicate session")

// ErrDockerUnavailable is returned when the Docker daemon cannot be reached.
var ErrDockerUnavailable = errors.New("docker is not available")

// ErrProfileNotFound is returned when a launch profile directory does not exist.
var ErrProfileNotFound = errors.New("profile not found")

// ErrInvalidProfile is returned when a profile directory exists but its
// profile.json is missing or malformed.
var ErrInvalidProfile = errors.New("invalid profile")
