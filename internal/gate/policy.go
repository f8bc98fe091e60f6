package gate

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-warden/internal/workitem"
)

// Policy is the serializable gate policy document. Default is deny: a gate
// whose subject is not explicitly allowed blocks.
type Policy struct {
	AllowCapabilities []string `yaml:"allow_capabilities"`
	AllowPaths        []string `yaml:"allow_paths"`
	AllowDomains      []string `yaml:"allow_domains"`
	AllowLoopback     bool     `yaml:"allow_loopback"`

	// RequireApprovalCapabilities names capabilities that are permitted but
	// only under an explicit approval token.
	RequireApprovalCapabilities []string `yaml:"require_approval_capabilities"`
}

func DefaultPolicy() Policy {
	return Policy{}
}

// LoadPolicy reads a policy file. A missing or empty file yields the default
// (deny-everything) policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("read gate policy: %w", err)
	}
	if len(data) == 0 {
		return DefaultPolicy(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse gate policy: %w", err)
	}
	return p, nil
}

func (p Policy) allowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	for _, allowed := range p.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(allowed)) == capability {
			return true
		}
	}
	return false
}

func (p Policy) requiresApproval(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	for _, c := range p.RequireApprovalCapabilities {
		if strings.ToLower(strings.TrimSpace(c)) == capability {
			return true
		}
	}
	return false
}

// allowPath checks whether a filesystem path sits under an allowed prefix.
// An empty AllowPaths list denies all paths.
func (p Policy) allowPath(path string) bool {
	if len(p.AllowPaths) == 0 {
		return false
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// New files resolve through the parent directory.
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if evalAllowed, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = evalAllowed
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (p Policy) allowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AllowCapabilities {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowPaths {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.RequireApprovalCapabilities {
		_, _ = h.Write([]byte("req:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe reload. The fsnotify watcher in
// internal/config drives Reload; evaluations always see a complete snapshot.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// Reload replaces the policy from a fresh snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// ReloadFromFile updates the live policy only when the incoming file parses.
// On error the previous policy remains active.
func (lp *LivePolicy) ReloadFromFile(path string) error {
	p, err := LoadPolicy(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Evaluate runs every gate configured for the trigger point, most restrictive
// outcome wins: block > require_approval > continue. Unrecognized gate names
// block, never pass silently.
func (lp *LivePolicy) Evaluate(ctx context.Context, gates []workitem.Gate, trigger string, gctx map[string]string) (Result, error) {
	lp.mu.RLock()
	p := lp.data
	lp.mu.RUnlock()

	out := Result{Action: ActionContinue, Modified: gctx}
	needsApproval := false
	for _, g := range gates {
		if g.Trigger != "" && g.Trigger != trigger {
			continue
		}
		switch g.Name {
		case "capability":
			capability := gctx["capability"]
			if g.Config != "" {
				capability = g.Config
			}
			if p.requiresApproval(capability) {
				needsApproval = true
				out.Reason = fmt.Sprintf("capability %q requires approval", capability)
				continue
			}
			if !p.allowCapability(capability) {
				return Result{Action: ActionBlock, Reason: fmt.Sprintf("capability %q not allowed", capability)}, nil
			}
		case "path":
			path := gctx["path"]
			if !p.allowPath(path) {
				return Result{Action: ActionBlock, Reason: fmt.Sprintf("path %q not allowed", path)}, nil
			}
			abs, err := filepath.Abs(path)
			if err == nil && abs != path {
				// Normalize the argument the attempt will see.
				modified := make(map[string]string, len(gctx))
				for k, v := range gctx {
					modified[k] = v
				}
				modified["path"] = abs
				out.Modified = modified
			}
		case "url":
			if !p.allowHTTPURL(gctx["url"]) {
				return Result{Action: ActionBlock, Reason: fmt.Sprintf("url %q not allowed", gctx["url"])}, nil
			}
		case "approval":
			needsApproval = true
			out.Reason = "gate mandates approval"
		default:
			return Result{Action: ActionBlock, Reason: fmt.Sprintf("unknown gate %q", g.Name)}, nil
		}
	}
	if needsApproval {
		return Result{Action: ActionRequireApproval, Reason: out.Reason, Modified: out.Modified}, nil
	}
	return out, nil
}
