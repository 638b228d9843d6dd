// Package docker provides safe Docker CLI integration with injection
// prevention. All arguments are validated before reaching the engine and
// commands run without shell interpretation.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/itsvs/dna/internal/api"
	"github.com/itsvs/dna/internal/runner"
)

// Validation patterns for different argument types
var (
	// Container/image names: lowercase letters, numbers, hyphens, slashes, colons
	namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._:/-]*[a-z0-9]$|^[a-z0-9]$`)

	// Mount paths: absolute paths only, no special chars
	pathPattern = regexp.MustCompile(`^/[a-zA-Z0-9._/-]*$`)

	// Container IDs: hex, short or full form
	containerIDPattern = regexp.MustCompile(`^[0-9a-f]{12,64}$`)
)

// ValidateName validates container/image/network names for security.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("name too long (max 255 chars)")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name contains invalid characters: %s", name)
	}
	return nil
}

// ValidatePath validates filesystem paths used in bind mounts.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if !pathPattern.MatchString(path) {
		return fmt.Errorf("path contains invalid characters: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed: %s", path)
	}
	return nil
}

// IsValidContainerID reports whether id looks like an engine container ID.
func IsValidContainerID(id string) bool {
	return containerIDPattern.MatchString(id)
}

// Mount is a host bind mount.
type Mount struct {
	Host      string
	Container string
	Options   string // "ro", "rw", etc.
}

// RunSpec defines validated parameters for container creation.
type RunSpec struct {
	Name    string
	Image   string
	Network string
	Mounts  []Mount
	Env     map[string]string
	TTY     bool
}

// Validate rejects specs that would produce unsafe CLI arguments.
func (s RunSpec) Validate() error {
	if s.Name != "" {
		if err := ValidateName(s.Name); err != nil {
			return fmt.Errorf("container name: %w", err)
		}
	}
	if err := ValidateName(s.Image); err != nil {
		return fmt.Errorf("image: %w", err)
	}
	if s.Network != "" {
		if err := ValidateName(s.Network); err != nil {
			return fmt.Errorf("network: %w", err)
		}
	}
	for _, m := range s.Mounts {
		if err := ValidatePath(m.Host); err != nil {
			return fmt.Errorf("mount host path: %w", err)
		}
		if err := ValidatePath(m.Container); err != nil {
			return fmt.Errorf("mount container path: %w", err)
		}
	}
	return nil
}

// State is the subset of `docker inspect` the daemon acts on.
type State struct {
	ID      string
	Name    string
	Image   string
	Running bool
}

// Engine wraps the Docker CLI.
type Engine struct {
	bin string
	run runner.Commander
}

// NewEngine returns an Engine invoking bin (normally "docker").
func NewEngine(run runner.Commander, bin string) *Engine {
	if bin == "" {
		bin = "docker"
	}
	return &Engine{bin: bin, run: run}
}

func (e *Engine) exec(ctx context.Context, args ...string) (runner.Result, error) {
	return e.run.Run(ctx, e.bin, args...)
}

// Pull fetches ref from its registry.
func (e *Engine) Pull(ctx context.Context, ref string) error {
	if err := ValidateName(ref); err != nil {
		return api.NewError(api.KindImageFetch, "invalid image reference", err)
	}
	if res, err := e.exec(ctx, "pull", ref); err != nil {
		return api.NewError(api.KindImageFetch,
			fmt.Sprintf("pull %s failed", ref), err).WithDiagnostic(res.Combined())
	}
	return nil
}

// Build builds contextDir into an image tagged tag.
func (e *Engine) Build(ctx context.Context, contextDir, tag string) error {
	if err := ValidatePath(contextDir); err != nil {
		return api.NewError(api.KindBuild, "invalid build context", err)
	}
	if err := ValidateName(tag); err != nil {
		return api.NewError(api.KindBuild, "invalid image tag", err)
	}
	if res, err := e.exec(ctx, "build", "-t", tag, contextDir); err != nil {
		return api.NewError(api.KindBuild,
			fmt.Sprintf("build %s failed", tag), err).WithDiagnostic(res.Combined())
	}
	return nil
}

// ImageExists reports whether the engine holds an image for ref.
func (e *Engine) ImageExists(ctx context.Context, ref string) bool {
	_, err := e.exec(ctx, "image", "inspect", ref)
	return err == nil
}

// PruneImages removes unused images older than age.
func (e *Engine) PruneImages(ctx context.Context, age time.Duration) error {
	filter := fmt.Sprintf("until=%dh", int(age.Hours()))
	if res, err := e.exec(ctx, "image", "prune", "-a", "--force", "--filter", filter); err != nil {
		return api.NewError(api.KindContainer, "image prune failed", err).
			WithDiagnostic(res.Combined())
	}
	return nil
}

func buildRunArgs(spec RunSpec) []string {
	args := []string{"run", "-d"}
	if spec.TTY {
		args = append(args, "-t")
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, m := range spec.Mounts {
		mountArg := fmt.Sprintf("%s:%s", m.Host, m.Container)
		if m.Options != "" {
			mountArg += ":" + m.Options
		}
		args = append(args, "--volume", mountArg)
	}
	for key, value := range spec.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", key, value))
	}
	args = append(args, spec.Image)
	return args
}

// Run creates and starts a container, returning its ID.
func (e *Engine) Run(ctx context.Context, spec RunSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", api.NewError(api.KindContainer, "invalid run spec", err)
	}
	res, err := e.exec(ctx, buildRunArgs(spec)...)
	if err != nil {
		return "", api.NewError(api.KindContainer,
			fmt.Sprintf("run %s failed", spec.Image), err).WithDiagnostic(res.Combined())
	}
	// The ID is the last non-empty line; progress output may precede it.
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && IsValidContainerID(line) {
			return line, nil
		}
	}
	return "", api.NewError(api.KindContainer,
		"could not extract container ID", nil).WithDiagnostic(res.Combined())
}

// Start starts a stopped container.
func (e *Engine) Start(ctx context.Context, containerID string) error {
	if !IsValidContainerID(containerID) {
		return api.NewError(api.KindContainer,
			fmt.Sprintf("invalid container ID format: %s", containerID), nil)
	}
	if res, err := e.exec(ctx, "start", containerID); err != nil {
		return api.NewError(api.KindContainer,
			fmt.Sprintf("start %s failed", containerID), err).WithDiagnostic(res.Combined())
	}
	return nil
}

// Stop stops a running container.
func (e *Engine) Stop(ctx context.Context, containerID string) error {
	if !IsValidContainerID(containerID) {
		return api.NewError(api.KindContainer,
			fmt.Sprintf("invalid container ID format: %s", containerID), nil)
	}
	if res, err := e.exec(ctx, "stop", containerID); err != nil {
		if isNotFound(res) {
			return nil
		}
		return api.NewError(api.KindContainer,
			fmt.Sprintf("stop %s failed", containerID), err).WithDiagnostic(res.Combined())
	}
	return nil
}

// Remove deletes a container.
func (e *Engine) Remove(ctx context.Context, containerID string, force bool) error {
	if !IsValidContainerID(containerID) {
		return api.NewError(api.KindContainer,
			fmt.Sprintf("invalid container ID format: %s", containerID), nil)
	}
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)
	if res, err := e.exec(ctx, args...); err != nil {
		if isNotFound(res) {
			return nil
		}
		return api.NewError(api.KindContainer,
			fmt.Sprintf("rm %s failed", containerID), err).WithDiagnostic(res.Combined())
	}
	return nil
}

// Wipe stops and removes a container by name or ID, tolerating absence.
// Deploys call it first so a redeploy never collides with the old instance.
func (e *Engine) Wipe(ctx context.Context, nameOrID string) error {
	if nameOrID == "" {
		return nil
	}
	if res, err := e.exec(ctx, "rm", "-f", nameOrID); err != nil && !isNotFound(res) {
		return api.NewError(api.KindContainer,
			fmt.Sprintf("wipe %s failed", nameOrID), err).WithDiagnostic(res.Combined())
	}
	return nil
}

func isNotFound(res runner.Result) bool {
	out := strings.ToLower(res.Combined())
	return strings.Contains(out, "no such container") ||
		strings.Contains(out, "no such object")
}

// inspectState mirrors the engine's inspect JSON shape.
type inspectState struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
	Config struct {
		Image string `json:"Image"`
	} `json:"Config"`
}

// Inspect returns the current state of a container by name or ID.
func (e *Engine) Inspect(ctx context.Context, nameOrID string) (State, error) {
	res, err := e.exec(ctx, "inspect", "--type", "container", nameOrID)
	if err != nil {
		if isNotFound(res) {
			return State{}, api.NewError(api.KindContainer,
				fmt.Sprintf("container %s not found", nameOrID), api.ErrServiceNotFound)
		}
		return State{}, api.NewError(api.KindContainer,
			fmt.Sprintf("inspect %s failed", nameOrID), err).WithDiagnostic(res.Combined())
	}
	var states []inspectState
	if err := json.Unmarshal([]byte(res.Stdout), &states); err != nil || len(states) == 0 {
		return State{}, api.NewError(api.KindContainer,
			fmt.Sprintf("inspect %s returned unparseable output", nameOrID), err)
	}
	st := states[0]
	return State{
		ID:      st.ID,
		Name:    strings.TrimPrefix(st.Name, "/"),
		Image:   st.Config.Image,
		Running: st.State.Running,
	}, nil
}

// Logs returns the last tail lines of a container's output streams.
func (e *Engine) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, containerID)
	res, err := e.exec(ctx, args...)
	if err != nil {
		return "", api.NewError(api.KindContainer,
			fmt.Sprintf("logs %s failed", containerID), err).WithDiagnostic(res.Combined())
	}
	// The engine splits container streams; interleave both.
	return res.Combined(), nil
}

// Exec runs script under /bin/sh inside a running container.
func (e *Engine) Exec(ctx context.Context, containerID, script string, detach bool) error {
	args := []string{"exec"}
	if detach {
		args = append(args, "-d")
	}
	args = append(args, containerID, "/bin/sh", "-c", script)
	if res, err := e.exec(ctx, args...); err != nil {
		return api.NewError(api.KindContainer,
			fmt.Sprintf("exec in %s failed", containerID), err).WithDiagnostic(res.Combined())
	}
	return nil
}

// NetworkExists reports whether the named engine network exists.
func (e *Engine) NetworkExists(ctx context.Context, name string) bool {
	_, err := e.exec(ctx, "network", "inspect", name)
	return err == nil
}

// CreateNetwork creates a bridge network.
func (e *Engine) CreateNetwork(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return api.NewError(api.KindContainer, "invalid network name", err)
	}
	if res, err := e.exec(ctx, "network", "create", name); err != nil {
		return api.NewError(api.KindContainer,
			fmt.Sprintf("network create %s failed", name), err).WithDiagnostic(res.Combined())
	}
	return nil
}

type inspectNetwork struct {
	Containers map[string]struct {
		Name string `json:"Name"`
	} `json:"Containers"`
}

// NetworkContainers returns the names of containers attached to network,
// keyed by container ID.
func (e *Engine) NetworkContainers(ctx context.Context, name string) (map[string]string, error) {
	res, err := e.exec(ctx, "network", "inspect", name)
	if err != nil {
		return nil, api.NewError(api.KindContainer,
			fmt.Sprintf("network inspect %s failed", name), err).WithDiagnostic(res.Combined())
	}
	var nets []inspectNetwork
	if err := json.Unmarshal([]byte(res.Stdout), &nets); err != nil || len(nets) == 0 {
		return nil, api.NewError(api.KindContainer,
			fmt.Sprintf("network inspect %s returned unparseable output", name), err)
	}
	attached := make(map[string]string, len(nets[0].Containers))
	for id, c := range nets[0].Containers {
		attached[id] = c.Name
	}
	return attached, nil
}
