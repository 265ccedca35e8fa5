// Package diagnostics runs pre-flight checks against network mount targets:
// name resolution, host reachability, service port and an optional
// read-only temporary mount.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/privileged"
)

const (
	// DefaultProbeTimeout bounds reachability and port checks.
	DefaultProbeTimeout = 3 * time.Second
	// DefaultMountTimeout bounds the temporary mount test.
	DefaultMountTimeout = 10 * time.Second
	cleanupTimeout      = 15 * time.Second
)

// CheckStatus represents the status of a diagnostic check.
type CheckStatus string

const (
	// StatusPass indicates the check passed.
	StatusPass CheckStatus = "pass"
	// StatusFail indicates the check failed.
	StatusFail CheckStatus = "fail"
	// StatusWarn indicates the check passed with warnings.
	StatusWarn CheckStatus = "warn"
	// StatusSkip indicates the check was skipped.
	StatusSkip CheckStatus = "skip"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Details any         `json:"details,omitempty"`
}

// Summary provides a quick overview of the diagnostics results.
type Summary struct {
	Total   int  `json:"total"`
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Warned  int  `json:"warned"`
	Skipped int  `json:"skipped"`
	AllPass bool `json:"all_pass"`
}

// Result is the outcome of diagnosing one entry. Negative findings are
// reported here, never as errors.
type Result struct {
	Timestamp       time.Time `json:"timestamp"`
	Host            string    `json:"host,omitempty"`
	ResolvedAddress string    `json:"resolved_address,omitempty"`
	Port            int       `json:"port,omitempty"`

	Reachable               bool `json:"reachable"`
	PortOpen                bool `json:"port_open"`
	TemporaryMountTested    bool `json:"temporary_mount_tested"`
	TemporaryMountSucceeded bool `json:"temporary_mount_succeeded"`

	// CleanupError is set when a temporary mount could not be fully removed.
	CleanupError string        `json:"cleanup_error,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	Checks       []CheckResult `json:"checks"`
	Summary      Summary       `json:"summary"`
}

// OK reports whether the target looks mountable.
func (r *Result) OK() bool {
	if !r.Reachable || !r.PortOpen {
		return false
	}
	return !r.TemporaryMountTested || r.TemporaryMountSucceeded
}

// ToJSON returns the result as indented JSON.
func (r *Result) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func (r *Result) add(check CheckResult) {
	r.Checks = append(r.Checks, check)
}

func (r *Result) summarize() {
	r.Summary = Summary{}
	var failed []string
	for _, check := range r.Checks {
		r.Summary.Total++
		switch check.Status {
		case StatusPass:
			r.Summary.Passed++
		case StatusFail:
			r.Summary.Failed++
			failed = append(failed, check.Message)
		case StatusWarn:
			r.Summary.Warned++
		case StatusSkip:
			r.Summary.Skipped++
		}
	}
	r.Summary.AllPass = r.Summary.Failed == 0
	if r.CleanupError != "" {
		failed = append(failed, "cleanup: "+r.CleanupError)
	}
	r.Detail = strings.Join(failed, "; ")
}

// DiagnosticFailure is returned when diagnostics fail and no override was
// given. It carries the full result for display.
type DiagnosticFailure struct {
	Result *Result
}

func (e *DiagnosticFailure) Error() string {
	if e.Result == nil {
		return "diagnostics failed"
	}
	return fmt.Sprintf("diagnostics failed for %s: %s", e.Result.Host, e.Result.Detail)
}

// Code returns the stable reason code.
func (e *DiagnosticFailure) Code() string { return "diagnostic_failure" }

// LiveTable lists the kernel's current mounts.
type LiveTable interface {
	List(ctx context.Context) ([]models.LiveMount, error)
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Pinger sends one echo request to addr. It returns an error when the probe
// could not be sent at all, for example when ICMP sockets are not permitted.
type Pinger func(ctx context.Context, addr string) (bool, error)

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Runner runs diagnostic checks.
type Runner struct {
	exec         privileged.Executor
	live         LiveTable
	resolver     Resolver
	ping         Pinger
	dial         DialFunc
	probeTimeout time.Duration
	mountTimeout time.Duration
	tempDir      string
	logger       zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithResolver replaces the system resolver.
func WithResolver(res Resolver) Option {
	return func(r *Runner) { r.resolver = res }
}

// WithPinger replaces the ICMP echo probe.
func WithPinger(p Pinger) Option {
	return func(r *Runner) { r.ping = p }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(r *Runner) { r.dial = d }
}

// WithTimeouts sets the probe and temporary mount timeouts. Zero keeps the default.
func WithTimeouts(probe, mount time.Duration) Option {
	return func(r *Runner) {
		if probe > 0 {
			r.probeTimeout = probe
		}
		if mount > 0 {
			r.mountTimeout = mount
		}
	}
}

// WithTempDir sets where temporary mountpoints are created.
func WithTempDir(dir string) Option {
	return func(r *Runner) { r.tempDir = dir }
}

// NewRunner creates a new diagnostics runner.
func NewRunner(exec privileged.Executor, live LiveTable, logger zerolog.Logger, opts ...Option) *Runner {
	d := &net.Dialer{}
	r := &Runner{
		exec:         exec,
		live:         live,
		resolver:     net.DefaultResolver,
		ping:         icmpEcho,
		dial:         d.DialContext,
		probeTimeout: DefaultProbeTimeout,
		mountTimeout: DefaultMountTimeout,
		logger:       logger.With().Str("component", "diagnostics").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProbeTimeout returns the configured probe timeout.
func (r *Runner) ProbeTimeout() time.Duration { return r.probeTimeout }

// DiagnoseOptions selects optional checks.
type DiagnoseOptions struct {
	TemporaryMount bool
	// SensitiveOptions are passed to the temporary mount without logging.
	SensitiveOptions []string
}

// Diagnose runs every applicable check for entry. Local entries have
// nothing to probe and pass with all checks skipped.
func (r *Runner) Diagnose(ctx context.Context, entry models.Entry, opts DiagnoseOptions) *Result {
	result := &Result{Timestamp: time.Now().UTC()}

	if !entry.IsNetwork() {
		result.Reachable = true
		result.PortOpen = true
		result.add(CheckResult{Name: "network", Status: StatusSkip, Message: "Local filesystem, no network checks"})
		result.summarize()
		return result
	}

	src, err := models.ParseNetworkSource(entry.FSType, entry.Source)
	if err != nil {
		result.add(CheckResult{Name: "source", Status: StatusFail, Message: fmt.Sprintf("Cannot parse source: %v", err)})
		result.summarize()
		return result
	}
	result.Host = src.Host
	result.Port = models.DefaultPort(entry.FSType)
	if p, ok := entry.Options.Get("port"); ok {
		if n, err := strconv.Atoi(p); err == nil {
			result.Port = n
		}
	}

	addr, err := r.resolve(ctx, src.Host)
	if err != nil {
		result.add(CheckResult{Name: "resolve", Status: StatusFail, Message: fmt.Sprintf("Cannot resolve %s: %v", src.Host, err)})
		result.add(CheckResult{Name: "reachable", Status: StatusSkip, Message: "Host not resolved"})
		result.add(CheckResult{Name: "port", Status: StatusSkip, Message: "Host not resolved"})
		result.add(CheckResult{Name: "temporary_mount", Status: StatusSkip, Message: "Host not resolved"})
		result.summarize()
		return result
	}
	result.ResolvedAddress = addr
	result.add(CheckResult{Name: "resolve", Status: StatusPass, Message: fmt.Sprintf("%s resolves to %s", src.Host, addr)})

	var wg sync.WaitGroup
	var reachable, portOpen bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		reachable = r.CheckReachable(ctx, addr, r.probeTimeout)
	}()
	go func() {
		defer wg.Done()
		portOpen = r.CheckPort(ctx, addr, result.Port, r.probeTimeout)
	}()
	wg.Wait()

	switch {
	case reachable:
		result.add(CheckResult{Name: "reachable", Status: StatusPass, Message: fmt.Sprintf("Host %s is reachable", addr)})
	case portOpen:
		// Echo filtered but the service answered.
		result.add(CheckResult{Name: "reachable", Status: StatusWarn, Message: fmt.Sprintf("Host %s does not answer echo requests but port %d is open", addr, result.Port)})
		reachable = true
	default:
		result.add(CheckResult{Name: "reachable", Status: StatusFail, Message: fmt.Sprintf("Host %s is not reachable", addr)})
	}
	result.Reachable = reachable
	result.PortOpen = portOpen

	if portOpen {
		result.add(CheckResult{Name: "port", Status: StatusPass, Message: fmt.Sprintf("Port %d is open", result.Port)})
	} else {
		result.add(CheckResult{Name: "port", Status: StatusFail, Message: fmt.Sprintf("Port %d on %s is closed or filtered", result.Port, addr)})
	}

	switch {
	case !opts.TemporaryMount:
		result.add(CheckResult{Name: "temporary_mount", Status: StatusSkip, Message: "Not requested"})
	case !portOpen:
		result.add(CheckResult{Name: "temporary_mount", Status: StatusSkip, Message: "Service port not open"})
	default:
		tm := r.TestMountTemporary(ctx, entry, r.mountTimeout, opts.SensitiveOptions...)
		result.TemporaryMountTested = true
		result.TemporaryMountSucceeded = tm.TemporaryMountSucceeded
		result.CleanupError = tm.CleanupError
		result.Checks = append(result.Checks, tm.Checks...)
	}

	result.summarize()
	r.logger.Debug().
		Str("host", result.Host).
		Bool("reachable", result.Reachable).
		Bool("port_open", result.PortOpen).
		Int("failed", result.Summary.Failed).
		Msg("diagnostics finished")
	return result
}

func (r *Runner) resolve(ctx context.Context, host string) (string, error) {
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	addrs, err := r.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	// Prefer IPv4 when both families are returned.
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, nil
		}
	}
	return addrs[0], nil
}

// CheckReachable reports whether host answers an echo request within
// timeout. When echo probes cannot be sent, a TCP probe is used instead; a
// refused connection also proves the host is up. Failure to resolve or to get
// an answer yields false.
func (r *Runner) CheckReachable(ctx context.Context, host string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, err := r.resolve(ctx, host)
	if err != nil {
		return false
	}

	ok, err := r.ping(ctx, addr)
	if err == nil {
		return ok
	}
	r.logger.Debug().Err(err).Str("host", addr).Msg("echo probe unavailable, falling back to tcp")
	return r.tcpAlive(ctx, addr)
}

var fallbackPorts = []int{445, 2049, 22, 80, 443}

func (r *Runner) tcpAlive(ctx context.Context, addr string) bool {
	for _, port := range fallbackPorts {
		if ctx.Err() != nil {
			return false
		}
		conn, err := r.dial(ctx, "tcp", net.JoinHostPort(addr, fmt.Sprint(port)))
		if err == nil {
			conn.Close()
			return true
		}
		if isConnRefused(err) {
			return true
		}
	}
	return false
}

// CheckPort reports whether a TCP connection to host:port succeeds within timeout.
func (r *Runner) CheckPort(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, err := r.resolve(ctx, host)
	if err != nil {
		return false
	}
	conn, err := r.dial(ctx, "tcp", net.JoinHostPort(addr, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
