// Package sandbox enforces per-plugin permissions and resource quotas
// cooperatively: the host consults it before every gated operation.
package sandbox

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Permission bits granted to a plugin.
type Permission uint32

const (
	PermReadConfig Permission = 1 << iota
	PermWriteConfig
	PermNetworkAccess
	PermFileRead
	PermFileWrite
	PermExecuteCommand
	PermSendMessage
	PermReadHistory
	PermAdminAPI
)

var permNames = map[Permission]string{
	PermReadConfig:     "READ_CONFIG",
	PermWriteConfig:    "WRITE_CONFIG",
	PermNetworkAccess:  "NETWORK_ACCESS",
	PermFileRead:       "FILE_READ",
	PermFileWrite:      "FILE_WRITE",
	PermExecuteCommand: "EXECUTE_COMMAND",
	PermSendMessage:    "SEND_MESSAGE",
	PermReadHistory:    "READ_HISTORY",
	PermAdminAPI:       "ADMIN_API",
}

// Names renders the set bits for diagnostics and the admin API.
func (p Permission) Names() []string {
	var out []string
	for bit := PermReadConfig; bit <= PermAdminAPI; bit <<= 1 {
		if p&bit != 0 {
			out = append(out, permNames[bit])
		}
	}
	return out
}

// Limits bounds a plugin's resource use.
type Limits struct {
	MaxMemoryBytes       int64
	MaxExecutionTimeMS   int64
	MaxNetworkRequests   int64
	MaxFileOperations    int64
	MaxMessagesPerMinute int64
	AllowedPaths         []string
	AllowedHosts         []string
}

// DefaultLimits is applied to plugins without an explicit profile.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryBytes:       64 << 20,
		MaxExecutionTimeMS:   5000,
		MaxNetworkRequests:   100,
		MaxFileOperations:    200,
		MaxMessagesPerMinute: 20,
	}
}

// Profile is the per-plugin sandbox configuration.
type Profile struct {
	Permissions     Permission
	Limits          Limits
	Enabled         bool
	KillOnViolation bool
}

// ViolationKind classifies sandbox violations.
type ViolationKind int

const (
	ViolationPermission ViolationKind = iota
	ViolationQuota
	ViolationTimeout
	ViolationPathDenied
	ViolationHostDenied
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationPermission:
		return "permission"
	case ViolationQuota:
		return "quota"
	case ViolationTimeout:
		return "timeout"
	case ViolationPathDenied:
		return "path_denied"
	case ViolationHostDenied:
		return "host_denied"
	}
	return "unknown"
}

// Violation is one recorded sandbox breach.
type Violation struct {
	Plugin string
	Kind   ViolationKind
	Detail string
	At     time.Time
}

func (v Violation) Error() string {
	return "sandbox: " + v.Kind.String() + " violation for " + v.Plugin + ": " + v.Detail
}

// ErrTimeout is returned by ExecuteWithTimeout when the deadline fires.
var ErrTimeout = errors.New("sandbox: execution timed out")

type usage struct {
	networkRequests int64
	fileOperations  int64
	messagesThisMin int64
	minuteStart     time.Time
	memoryBytes     int64
	cpuMicros       int64
	violations      int64
}

const violationRingSize = 256

// Sandbox tracks profiles and usage for all plugins. DisableHook, when set,
// is called with the plugin name after a violation on a KillOnViolation
// profile.
type Sandbox struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	usage    map[string]*usage

	ring     []Violation
	ringNext int

	DisableHook func(plugin string)

	now func() time.Time
}

// New builds an empty sandbox.
func New() *Sandbox {
	return &Sandbox{
		profiles: map[string]*Profile{},
		usage:    map[string]*usage{},
		ring:     make([]Violation, 0, violationRingSize),
		now:      time.Now,
	}
}

// Configure installs or replaces a plugin's profile.
func (s *Sandbox) Configure(plugin string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.profiles[plugin] = &cp
	if _, ok := s.usage[plugin]; !ok {
		s.usage[plugin] = &usage{minuteStart: s.now()}
	}
}

// ProfileFor returns a copy of the plugin's profile and whether one exists.
func (s *Sandbox) ProfileFor(plugin string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[plugin]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Remove forgets a plugin entirely.
func (s *Sandbox) Remove(plugin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, plugin)
	delete(s.usage, plugin)
}

func (s *Sandbox) profileLocked(plugin string) (*Profile, *usage) {
	p, ok := s.profiles[plugin]
	if !ok {
		dflt := &Profile{Permissions: PermSendMessage | PermReadHistory, Limits: DefaultLimits(), Enabled: true}
		s.profiles[plugin] = dflt
		p = dflt
	}
	u, ok := s.usage[plugin]
	if !ok {
		u = &usage{minuteStart: s.now()}
		s.usage[plugin] = u
	}
	return p, u
}

// CheckPermission verifies that required is a subset of the granted bits.
func (s *Sandbox) CheckPermission(plugin string, required Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, _ := s.profileLocked(plugin)
	if !p.Enabled {
		return nil
	}
	if p.Permissions&required != required {
		return s.violateLocked(plugin, ViolationPermission,
			"missing "+strings.Join((required &^ p.Permissions).Names(), ","))
	}
	return nil
}

// CheckNetwork gates one outbound request to host.
func (s *Sandbox) CheckNetwork(plugin, host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, u := s.profileLocked(plugin)
	if !p.Enabled {
		return nil
	}
	if p.Permissions&PermNetworkAccess == 0 {
		return s.violateLocked(plugin, ViolationPermission, "missing NETWORK_ACCESS")
	}
	if p.Limits.MaxNetworkRequests > 0 && u.networkRequests >= p.Limits.MaxNetworkRequests {
		return s.violateLocked(plugin, ViolationQuota, "network request quota exhausted")
	}
	if len(p.Limits.AllowedHosts) > 0 && !matchAny(host, p.Limits.AllowedHosts) {
		return s.violateLocked(plugin, ViolationHostDenied, "host "+host+" not allowed")
	}
	u.networkRequests++
	return nil
}

// CheckFile gates one file operation on path.
func (s *Sandbox) CheckFile(plugin, path string, isWrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, u := s.profileLocked(plugin)
	if !p.Enabled {
		return nil
	}
	need := PermFileRead
	if isWrite {
		need = PermFileWrite
	}
	if p.Permissions&need == 0 {
		return s.violateLocked(plugin, ViolationPermission, "missing "+permNames[need])
	}
	if p.Limits.MaxFileOperations > 0 && u.fileOperations >= p.Limits.MaxFileOperations {
		return s.violateLocked(plugin, ViolationQuota, "file operation quota exhausted")
	}
	if len(p.Limits.AllowedPaths) > 0 && !prefixAny(path, p.Limits.AllowedPaths) {
		return s.violateLocked(plugin, ViolationPathDenied, "path "+path+" not allowed")
	}
	u.fileOperations++
	return nil
}

// CheckSendMessage gates one outbound chat message under the per-minute
// sliding window.
func (s *Sandbox) CheckSendMessage(plugin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, u := s.profileLocked(plugin)
	if !p.Enabled {
		return nil
	}
	if p.Permissions&PermSendMessage == 0 {
		return s.violateLocked(plugin, ViolationPermission, "missing SEND_MESSAGE")
	}
	now := s.now()
	if now.Sub(u.minuteStart) >= time.Minute {
		u.minuteStart = now
		u.messagesThisMin = 0
	}
	if p.Limits.MaxMessagesPerMinute > 0 && u.messagesThisMin >= p.Limits.MaxMessagesPerMinute {
		return s.violateLocked(plugin, ViolationQuota, "message rate quota exhausted")
	}
	u.messagesThisMin++
	return nil
}

// RecordMemory notes the plugin's current memory footprint.
func (s *Sandbox) RecordMemory(plugin string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, u := s.profileLocked(plugin)
	u.memoryBytes = bytes
	if p.Enabled && p.Limits.MaxMemoryBytes > 0 && bytes > p.Limits.MaxMemoryBytes {
		_ = s.violateLocked(plugin, ViolationQuota, "memory limit exceeded")
	}
}

// RecordCPU accumulates execution time in microseconds.
func (s *Sandbox) RecordCPU(plugin string, deltaMicros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, u := s.profileLocked(plugin)
	u.cpuMicros += deltaMicros
}

// ExecuteWithTimeout runs f, recording a timeout violation when it does not
// finish within ms milliseconds. f keeps running on its goroutine after a
// timeout; the cooperative model has no way to kill it.
func (s *Sandbox) ExecuteWithTimeout(plugin string, f func() error, ms int64) error {
	if ms <= 0 {
		s.mu.Lock()
		p, _ := s.profileLocked(plugin)
		ms = p.Limits.MaxExecutionTimeMS
		s.mu.Unlock()
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- f()
	}()

	select {
	case err := <-done:
		s.RecordCPU(plugin, time.Since(start).Microseconds())
		return err
	case <-time.After(time.Duration(ms) * time.Millisecond):
		s.mu.Lock()
		_ = s.violateLocked(plugin, ViolationTimeout, "execution exceeded deadline")
		s.mu.Unlock()
		return ErrTimeout
	}
}

// Violations returns the recorded ring, oldest first.
func (s *Sandbox) Violations() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Violation, 0, len(s.ring))
	if len(s.ring) < violationRingSize {
		out = append(out, s.ring...)
		return out
	}
	out = append(out, s.ring[s.ringNext:]...)
	out = append(out, s.ring[:s.ringNext]...)
	return out
}

// ViolationCount reports the total violations recorded for a plugin.
func (s *Sandbox) ViolationCount(plugin string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[plugin]; ok {
		return u.violations
	}
	return 0
}

// Snapshot summarizes every plugin's profile and usage for the admin API.
func (s *Sandbox) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	plugins := map[string]any{}
	for name, p := range s.profiles {
		u := s.usage[name]
		entry := map[string]any{
			"permissions":       p.Permissions.Names(),
			"enabled":           p.Enabled,
			"kill_on_violation": p.KillOnViolation,
		}
		if u != nil {
			entry["network_requests"] = u.networkRequests
			entry["file_operations"] = u.fileOperations
			entry["messages_this_minute"] = u.messagesThisMin
			entry["memory_bytes"] = u.memoryBytes
			entry["cpu_micros"] = u.cpuMicros
			entry["violations"] = u.violations
		}
		plugins[name] = entry
	}
	return map[string]any{
		"plugins":          plugins,
		"total_violations": len(s.ring),
	}
}

// violateLocked records a violation and applies the kill policy. Returns the
// violation as an error for the caller to propagate.
func (s *Sandbox) violateLocked(plugin string, kind ViolationKind, detail string) error {
	v := Violation{Plugin: plugin, Kind: kind, Detail: detail, At: s.now()}
	if len(s.ring) < violationRingSize {
		s.ring = append(s.ring, v)
	} else {
		s.ring[s.ringNext] = v
		s.ringNext = (s.ringNext + 1) % violationRingSize
	}

	p, u := s.profileLocked(plugin)
	u.violations++
	log.Warn().Str("plugin", plugin).Str("kind", kind.String()).Str("detail", detail).Msg("sandbox violation")

	if p.KillOnViolation && s.DisableHook != nil {
		p.Enabled = false
		go s.DisableHook(plugin)
	}
	return v
}

func matchAny(host string, allowed []string) bool {
	for _, a := range allowed {
		if strings.Contains(host, a) {
			return true
		}
	}
	return false
}

func prefixAny(path string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasPrefix(path, a) {
			return true
		}
	}
	return false
}
