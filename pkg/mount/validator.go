package mount

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsclaw/jsclaw/pkg/metrics"
	"github.com/jsclaw/jsclaw/pkg/types"
)

// blockedPatterns is the built-in substring denylist covering common
// credential and agent-config locations. Matching is case-insensitive
// and always applied, in addition to any allowlist-supplied patterns.
var blockedPatterns = []string{
	".ssh", ".gnupg", ".gpg", ".aws", ".azure", ".gcloud", ".kube", ".docker",
	".env", "private_key", "id_rsa", "id_ed25519", "credentials", "secrets",
	".npmrc", ".pypirc",
}

// Result is the outcome of validating one group's requested mounts.
type Result struct {
	Valid  bool
	Errors []string
}

// ValidateMounts checks mounts against the allowlist file at
// allowlistPath. isMain is accepted but does not currently relax or
// tighten any check; it is reserved for future differential policy.
func ValidateMounts(mounts []types.Mount, groupName string, isMain bool, allowlistPath string) Result {
	if len(mounts) == 0 {
		return Result{Valid: true}
	}

	if allowlistPath == "" {
		metrics.MountRejectionsTotal.Add(float64(len(mounts)))
		return Result{Valid: false, Errors: []string{"no mount allowlist configured, all additional mounts blocked"}}
	}

	allowlist, err := loadAllowlist(allowlistPath)
	if err != nil {
		metrics.MountRejectionsTotal.Add(float64(len(mounts)))
		return Result{Valid: false, Errors: []string{fmt.Sprintf("loading mount allowlist: %v", err)}}
	}

	allowedRoots := make([]string, 0, len(allowlist.AllowedRoots))
	for _, root := range allowlist.AllowedRoots {
		resolved, err := resolvePath(root)
		if err != nil {
			continue
		}
		allowedRoots = append(allowedRoots, resolved)
	}

	patterns := make([]string, 0, len(blockedPatterns)+len(allowlist.BlockedPatterns))
	patterns = append(patterns, blockedPatterns...)
	for _, p := range allowlist.BlockedPatterns {
		patterns = append(patterns, strings.ToLower(p))
	}

	var errs []string
	for _, m := range mounts {
		if err := validateOne(m, allowedRoots, patterns); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		metrics.MountRejectionsTotal.Add(float64(len(errs)))
		return Result{Valid: false, Errors: errs}
	}
	return Result{Valid: true}
}

func validateOne(m types.Mount, allowedRoots []string, patterns []string) error {
	if !strings.HasPrefix(m.ContainerPath, "/") || strings.Contains(m.ContainerPath, "..") {
		return fmt.Errorf("container_path %q must be absolute and must not contain \"..\"", m.ContainerPath)
	}

	resolved, err := resolvePath(m.HostPath)
	if err != nil {
		return fmt.Errorf("host_path %q does not exist: %w", m.HostPath, err)
	}

	lower := strings.ToLower(resolved)
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(lower, pattern) {
			return fmt.Errorf("host_path %q matches blocked pattern %q", m.HostPath, pattern)
		}
	}

	for _, root := range allowedRoots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("host_path %q is not under any allowed root", m.HostPath)
}

// resolvePath canonicalizes path, resolving symlinks, and rejects it if
// the target does not exist.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func loadAllowlist(path string) (types.Allowlist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Allowlist{}, err
	}
	var a types.Allowlist
	if err := json.Unmarshal(raw, &a); err != nil {
		return types.Allowlist{}, fmt.Errorf("invalid allowlist JSON: %w", err)
	}
	if len(a.AllowedRoots) == 0 {
		return types.Allowlist{}, fmt.Errorf("allowlist missing required allowed_roots")
	}
	return a, nil
}
