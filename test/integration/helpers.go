//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestConfig holds configuration for integration tests
type TestConfig struct {
	APIURL     string
	Token      string
	Resource   string
	BinaryPath string
	Verbose    bool
}

// LoadTestConfig loads configuration from environment variables
func LoadTestConfig() *TestConfig {
	resource := os.Getenv("RQ_INTEGRATION_RESOURCE")
	if resource == "" {
		resource = "/users"
	}

	return &TestConfig{
		APIURL:     os.Getenv("RQ_INTEGRATION_API"),
		Token:      os.Getenv("RQ_INTEGRATION_TOKEN"),
		Resource:   resource,
		BinaryPath: getBinaryPath(),
		Verbose:    os.Getenv("RQ_VERBOSE") == "true",
	}
}

// getBinaryPath determines the path to the restquery binary
func getBinaryPath() string {
	if path := os.Getenv("RQ_BINARY_PATH"); path != "" {
		return path
	}

	candidates := []string{
		"../../restquery",
		"./restquery",
		"../restquery",
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return "restquery"
}

// SkipIfMissingConfig skips test if required config is missing
func (config *TestConfig) SkipIfMissingConfig(t *testing.T) {
	if config.APIURL == "" {
		t.Skip("RQ_INTEGRATION_API not set, skipping integration test")
	}

	if _, err := exec.LookPath(config.BinaryPath); err != nil {
		t.Skipf("restquery binary not found at %s, skipping integration test", config.BinaryPath)
	}
}

// CommandRunner runs restquery commands against the configured API with
// a private config directory.
type CommandRunner struct {
	config *TestConfig
	t      *testing.T
	home   string
}

// NewCommandRunner creates a new command runner
func NewCommandRunner(config *TestConfig, t *testing.T) *CommandRunner {
	return &CommandRunner{
		config: config,
		t:      t,
		home:   t.TempDir(),
	}
}

// Run executes a restquery command and returns output
func (runner *CommandRunner) Run(args ...string) (stdout, stderr string, err error) {
	return runner.RunWithInput("", args...)
}

// RunWithInput executes a restquery command with stdin input
func (runner *CommandRunner) RunWithInput(input string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.Command(runner.config.BinaryPath, args...)
	cmd.Env = append(os.Environ(),
		"HOME="+runner.home,
		"RQ_API="+runner.config.APIURL,
		"RQ_TOKEN="+runner.config.Token,
	)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	cmd.Stdin = strings.NewReader(input)

	if runner.config.Verbose {
		runner.t.Logf("Running: %s %s", runner.config.BinaryPath, strings.Join(args, " "))
	}

	err = cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if runner.config.Verbose && err != nil {
		runner.t.Logf("Command failed: %v\nStdout: %s\nStderr: %s", err, stdout, stderr)
	}

	return stdout, stderr, err
}

// CachePath is the SQLite cache used by the runner's commands.
func (runner *CommandRunner) CachePath() string {
	return filepath.Join(runner.home, ".restquery", "cache.db")
}

// GenerateTestName creates a unique test resource name
func GenerateTestName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// CleanupResource attempts to delete a test entity
func (runner *CommandRunner) CleanupResource(id string) {
	stdout, stderr, err := runner.Run("delete", runner.config.Resource, id, "--force")
	if err != nil && runner.config.Verbose {
		runner.t.Logf("Cleanup warning for %s %s: %s\nStderr: %s", runner.config.Resource, id, stdout, stderr)
	}
}

// DecodeJSON parses command output into target
func DecodeJSON(t *testing.T, output string, target any) {
	t.Helper()

	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), target); err != nil {
		t.Fatalf("Output is not valid JSON: %v\n%s", err, output)
	}
}

// AssertYAMLOutput verifies command output is valid YAML
func AssertYAMLOutput(t *testing.T, output string) {
	output = strings.TrimSpace(output)
	if strings.Contains(output, "---") || strings.Contains(output, ":") {
		return
	}

	t.Errorf("Output does not appear to be YAML: %s", output)
}
