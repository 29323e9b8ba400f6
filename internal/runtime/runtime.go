package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/coderunr/coderunner/internal/config"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/sirupsen/logrus"
)

const versionProbeTimeout = 5 * time.Second

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?`)

// Manager handles the sandbox runtime: version detection and the command
// line each script is launched with.
type Manager struct {
	config  *config.Config
	logger  *logrus.Entry
	mutex   sync.RWMutex
	version *semver.Version
}

// NewManager creates a new runtime manager
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		config: cfg,
		logger: logrus.WithField("component", "runtime"),
	}
}

// LoadRuntime probes the configured runtime binary and checks its version
// against the configured constraint.
func (m *Manager) LoadRuntime(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, m.config.RuntimeCommand, "--version").Output()
	if err != nil {
		return fmt.Errorf("failed to probe runtime %s: %w", m.config.RuntimeCommand, err)
	}

	version, err := ParseVersion(string(output))
	if err != nil {
		return err
	}

	if m.config.RuntimeVersion != "" {
		constraint, err := semver.NewConstraint(m.config.RuntimeVersion)
		if err != nil {
			return fmt.Errorf("invalid version constraint: %w", err)
		}
		if !constraint.Check(version) {
			return fmt.Errorf("runtime %s %s does not satisfy %s",
				m.config.RuntimeCommand, version, m.config.RuntimeVersion)
		}
	}

	m.mutex.Lock()
	m.version = version
	m.mutex.Unlock()

	m.logger.Infof("Using runtime %s %s", m.config.RuntimeCommand, version)
	return nil
}

// ParseVersion extracts the first semantic version found in output
func ParseVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindString(output)
	if match == "" {
		return nil, fmt.Errorf("no version found in runtime output %q", strings.TrimSpace(output))
	}

	version, err := semver.NewVersion(match)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version %s: %w", match, err)
	}
	return version, nil
}

// Version returns the detected runtime version, or nil before LoadRuntime
func (m *Manager) Version() *semver.Version {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.version
}

// Info returns the runtime description reported by the API
func (m *Manager) Info() types.VersionInfo {
	info := types.VersionInfo{
		Message: "CodeRunr v1.0.0-go",
		Runtime: m.config.RuntimeCommand,
	}
	if v := m.Version(); v != nil {
		info.RuntimeVersion = v.String()
	}
	return info
}

// Args returns the runtime arguments for script. Read access is limited to
// the script file and network access to the egress proxy.
func (m *Manager) Args(script types.Script) []string {
	return []string{
		"run",
		fmt.Sprintf("--v8-flags=--max-old-space-size=%d", m.config.ScriptMemoryLimit),
		fmt.Sprintf("--allow-read=%s", script.Path),
		fmt.Sprintf("--allow-net=%s", m.config.ProxyAddress),
		m.config.RuntimeEntrypoint,
		fmt.Sprintf("scriptId=%s", script.ID),
		fmt.Sprintf("scriptPath=%s", script.Path),
	}
}

// Command builds the subprocess for script. A positive nice level is applied
// through nice(1) so every thread of the runtime starts deprioritized.
func (m *Manager) Command(script types.Script) (*exec.Cmd, error) {
	path, err := exec.LookPath(m.config.RuntimeCommand)
	if err != nil {
		return nil, fmt.Errorf("runtime %s not found: %w", m.config.RuntimeCommand, err)
	}

	var cmd *exec.Cmd
	if nice := m.config.NiceLevel; nice > 0 {
		nicePath, err := exec.LookPath("nice")
		if err != nil {
			return nil, fmt.Errorf("nice not found: %w", err)
		}
		args := append([]string{"-n", strconv.Itoa(nice), path}, m.Args(script)...)
		cmd = exec.Command(nicePath, args...)
	} else {
		cmd = exec.Command(path, m.Args(script)...)
	}
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=/tmp",
		"NO_COLOR=1",
	}
	return cmd, nil
}
