// Package engine executes nmap scans as subprocesses. It maps scan
// profiles to nmap argument lists, enforces per-scan timeouts through
// the context, and captures the raw XML output for parsing and
// archival.
package engine

import (
	"bytes"
	"context"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/errors"
	"github.com/pulsemon/pulse/internal/logging"
)

const (
	versionProbeTimeout = 10 * time.Second
	stderrSnippetLen    = 200
)

// profileArgs maps each scan profile to its nmap argument list. The
// target and the XML output flags are appended at run time.
var profileArgs = map[string][]string{
	db.ProfileDiscovery: {"-sn", "-T4"},
	db.ProfileQuick:     {"-F", "-sV", "-T4"},
	db.ProfileDeep:      {"-p-", "-sV", "-O", "-T4"},
}

// hostnameRE matches valid DNS hostnames.
var hostnameRE = regexp.MustCompile(
	`^([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])` +
		`(\.([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]{0,61}[a-zA-Z0-9]))*$`)

// Output is the raw product of one nmap invocation.
type Output struct {
	// Command is the full command line that was executed.
	Command string
	// ToolVersion is the nmap version string, when known.
	ToolVersion string
	// Raw is everything nmap wrote to stdout. It may be truncated
	// XML if the scan was interrupted.
	Raw []byte
	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Engine runs nmap scans.
type Engine struct {
	binary string

	versionOnce sync.Once
	version     string
}

// New resolves the nmap binary and returns an engine bound to it.
// Returns a fatal tool-not-found error when the binary is absent, so
// misconfiguration surfaces at startup rather than on first scan.
func New(binary string) (*Engine, error) {
	if binary == "" {
		binary = "nmap"
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, errors.ErrToolNotFound(binary)
	}

	return &Engine{binary: path}, nil
}

// Binary returns the resolved path to the nmap binary.
func (e *Engine) Binary() string {
	return e.binary
}

// Version probes the nmap version once and caches it. An empty string
// is returned if the probe fails; a scan can still proceed.
func (e *Engine) Version(ctx context.Context) string {
	e.versionOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
		defer cancel()

		out, err := exec.CommandContext(probeCtx, e.binary, "--version").Output()
		if err != nil {
			logging.ErrorScan("failed to probe nmap version", e.binary, err)
			return
		}
		e.version = parseVersion(out)
	})
	return e.version
}

// parseVersion extracts the version number from `nmap --version` output.
func parseVersion(out []byte) string {
	// First line looks like: Nmap version 7.94 ( https://nmap.org )
	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return strings.TrimSpace(line)
}

// ValidateTarget checks that a target is an IP address, a CIDR
// network, or a plausible hostname.
func ValidateTarget(target string) error {
	if target == "" {
		return errors.ErrInvalidTarget(target)
	}

	if strings.Contains(target, "/") {
		if _, _, err := net.ParseCIDR(target); err != nil {
			return errors.ErrInvalidTarget(target)
		}
		return nil
	}

	if net.ParseIP(target) != nil {
		return nil
	}

	if len(target) <= 253 && hostnameRE.MatchString(target) {
		return nil
	}

	return errors.ErrInvalidTarget(target)
}

// Args returns the full nmap argument list for a profile and target,
// not including the binary itself.
func Args(profile, target string) ([]string, error) {
	base, ok := profileArgs[profile]
	if !ok {
		return nil, errors.NewScanError(errors.CodeValidation,
			"unknown scan profile").WithProfile(profile)
	}

	args := make([]string, 0, len(base)+3)
	args = append(args, base...)
	args = append(args, "-oX", "-", target)
	return args, nil
}

// Run executes one scan. The caller bounds execution time through the
// context. Raw output is returned even on failure so that partial XML
// can be salvaged by the parser.
func (e *Engine) Run(ctx context.Context, profile, target string) (*Output, error) {
	if err := ValidateTarget(target); err != nil {
		return nil, err
	}

	// OS fingerprinting needs raw socket access.
	if profile == db.ProfileDeep && os.Geteuid() != 0 {
		return nil, errors.ErrPrivilege(profile)
	}

	args, err := Args(profile, target)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	commandLine := e.binary + " " + strings.Join(args, " ")
	logging.InfoScan("starting scan", target, "profile", profile, "command", commandLine)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	output := &Output{
		Command:     commandLine,
		ToolVersion: e.Version(ctx),
		Raw:         stdout.Bytes(),
		Duration:    duration,
	}

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			logging.ErrorScan("scan timed out", target, ctx.Err(), "profile", profile)
			return output, errors.ErrToolTimeout(target)
		}

		scanErr := errors.ErrToolExecution(target, runErr).WithProfile(profile)
		if snippet := stderrSnippet(stderr.Bytes()); snippet != "" {
			scanErr = scanErr.WithContext("stderr", snippet)
		}
		logging.ErrorScan("scan execution failed", target, runErr, "profile", profile)
		return output, scanErr
	}

	logging.InfoScan("scan finished", target,
		"profile", profile, "duration", duration, "output_bytes", len(output.Raw))
	return output, nil
}

// stderrSnippet returns the first line of stderr, bounded in length.
func stderrSnippet(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return ""
	}
	if line, _, found := strings.Cut(s, "\n"); found {
		s = line
	}
	if len(s) > stderrSnippetLen {
		s = s[:stderrSnippetLen]
	}
	return s
}
