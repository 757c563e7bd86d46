package boxd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SessionLabel is the Docker label applied to every container managed by
// boxd. The orphan sweep identifies leftover containers by this label.
const SessionLabel = "boxd.session"

// Runner is the interface over Docker CLI operations. All methods block
// until the operation completes and are safe for concurrent use. Each is
// independently fallible; none holds state between calls.
type Runner interface {
	// Ping checks that the Docker daemon is reachable.
	// Returns ErrDockerUnavailable if it cannot be contacted.
	Ping(ctx context.Context) error

	// EnsureImage inspects ref locally and pulls it on a miss.
	// Returns ErrImageUnavailable if the pull fails.
	EnsureImage(ctx context.Context, ref string) error

	// Create creates (but does not start) a container from spec and
	// returns the runtime-assigned container id. Create is never retried:
	// a second create with the same spec would duplicate the resource.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a previously created container.
	Start(ctx context.Context, id string) error

	// Port returns the host port mapped to containerPort/tcp, or 0 if the
	// runtime has not assigned one yet. An unassigned port is not an error.
	Port(ctx context.Context, id string, containerPort int) (int, error)

	// Stop stops a container with the given grace period before the
	// runtime escalates to SIGKILL. Stopping an already-gone container
	// is success, not an error.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove deletes a container, forcibly if force is set. Removing an
	// already-gone container is success, not an error.
	Remove(ctx context.Context, id string, force bool) error

	// List returns the ids of all containers (including stopped ones)
	// carrying the given label, optionally filtered to the named states.
	List(ctx context.Context, label string, states []string) ([]string, error)
}

// ContainerSpec configures a docker create invocation.
type ContainerSpec struct {
	Image         string            // image reference to run
	Name          string            // container name (--name)
	Env           map[string]string // environment variables (-e K=V)
	Labels        map[string]string // labels (--label K=V); SessionLabel is added by the Dispatcher
	ContainerPort int               // container port published to an ephemeral host port
	ShmSize       string            // --shm-size; browsers need more than the 64MB default
	Args          []string          // command and arguments passed after the image
}

// DockerRunner implements Runner using the Docker CLI via os/exec.
type DockerRunner struct{}

var _ Runner = (*DockerRunner)(nil)

// Ping checks that the Docker daemon is reachable by running docker info.
func (d *DockerRunner) Ping(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
	}
	return nil
}

// EnsureImage checks for ref locally and pulls it if absent.
func (d *DockerRunner) EnsureImage(ctx context.Context, ref string) error {
	inspect := exec.CommandContext(ctx, "docker", "image", "inspect", ref)
	inspect.Stdout = io.Discard
	inspect.Stderr = io.Discard
	if inspect.Run() == nil {
		return nil
	}

	pull := exec.CommandContext(ctx, "docker", "pull", ref)
	pull.Stdout = io.Discard
	var stderr bytes.Buffer
	pull.Stderr = &stderr
	if err := pull.Run(); err != nil {
		return fmt.Errorf("%w: pull %s: %s", ErrImageUnavailable, ref, firstLine(stderr.String()))
	}
	return nil
}

// createCmdArgs returns the docker CLI arguments for a create invocation.
// Map-derived flags are emitted in sorted key order for determinism.
func createCmdArgs(spec ContainerSpec) []string {
	args := []string{"create"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	if spec.ShmSize != "" {
		args = append(args, "--shm-size", spec.ShmSize)
	}
	if spec.ContainerPort > 0 {
		// Ephemeral host port; the runtime assigns it after start.
		args = append(args, "-p", strconv.Itoa(spec.ContainerPort))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Args...)
	return args
}

// Create creates a container from spec and returns its id.
func (d *DockerRunner) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	out, stderr, err := runDocker(ctx, createCmdArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("docker create: %s: %w", firstLine(stderr), err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("docker create: no container id in output")
	}
	return id, nil
}

// Start starts a created container.
func (d *DockerRunner) Start(ctx context.Context, id string) error {
	_, stderr, err := runDocker(ctx, "start", id)
	if err != nil {
		return fmt.Errorf("docker start %s: %s: %w", id, firstLine(stderr), err)
	}
	return nil
}

// Port returns the host port mapped to containerPort/tcp. Output of
// docker port looks like "0.0.0.0:49153"; an empty output means the
// runtime has not assigned the mapping yet.
func (d *DockerRunner) Port(ctx context.Context, id string, containerPort int) (int, error) {
	out, stderr, err := runDocker(ctx, "port", id, strconv.Itoa(containerPort)+"/tcp")
	if err != nil {
		return 0, fmt.Errorf("docker port %s: %s: %w", id, firstLine(stderr), err)
	}
	line := firstLine(out)
	if line == "" {
		return 0, nil
	}
	idx := strings.LastIndexByte(line, ':')
	if idx < 0 {
		return 0, fmt.Errorf("docker port %s: unexpected output %q", id, line)
	}
	port, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
	if err != nil {
		return 0, fmt.Errorf("docker port %s: unexpected output %q", id, line)
	}
	return port, nil
}

// stopCmdArgs returns the docker CLI arguments for a stop invocation.
func stopCmdArgs(id string, grace time.Duration) []string {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	return []string{"stop", "-t", strconv.Itoa(secs), id}
}

// Stop stops a container, tolerating one that is already gone.
func (d *DockerRunner) Stop(ctx context.Context, id string, grace time.Duration) error {
	_, stderr, err := runDocker(ctx, stopCmdArgs(id, grace)...)
	if err != nil {
		if isGone(stderr) {
			return nil
		}
		return fmt.Errorf("docker stop %s: %s: %w", id, firstLine(stderr), err)
	}
	return nil
}

// Remove deletes a container, tolerating one that is already gone.
func (d *DockerRunner) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	_, stderr, err := runDocker(ctx, args...)
	if err != nil {
		if isGone(stderr) {
			return nil
		}
		return fmt.Errorf("docker rm %s: %s: %w", id, firstLine(stderr), err)
	}
	return nil
}

// listCmdArgs returns the docker CLI arguments for a ps invocation filtered
// by label and optional states.
func listCmdArgs(label string, states []string) []string {
	args := []string{"ps", "-a", "-q", "--no-trunc", "--filter", "label=" + label}
	for _, s := range states {
		args = append(args, "--filter", "status="+s)
	}
	return args
}

// List returns the ids of containers carrying label, in the given states.
func (d *DockerRunner) List(ctx context.Context, label string, states []string) ([]string, error) {
	out, stderr, err := runDocker(ctx, listCmdArgs(label, states)...)
	if err != nil {
		return nil, fmt.Errorf("docker ps: %s: %w", firstLine(stderr), err)
	}
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// runDocker executes a docker CLI command, capturing stdout and stderr.
func runDocker(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// isGone reports whether docker stderr indicates the container no longer
// exists. Stop and Remove treat that as success per their idempotence
// contract.
func isGone(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "is already in progress")
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// sortedKeys returns m's keys in sorted order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
