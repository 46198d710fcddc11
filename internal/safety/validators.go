package safety

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/boshu2/aion/internal/types"
)

// Validator checks a change set before anything is touched. A non-nil
// error aborts the commit; it should be built with types.ValidationErr.
type Validator interface {
	Name() string
	Validate(cs types.ChangeSet) error
}

// Policy configures the default validators.
type Policy struct {
	AllowBinary  bool
	MaxFileBytes int64
	DeniedDirs   []string
	SecretScan   bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxFileBytes: 10 << 20,
		DeniedDirs:   []string{".git"},
		SecretScan:   true,
	}
}

// DefaultValidators returns the validators in their fixed run order:
// path, content type, content policy, secrets.
func DefaultValidators(root, stateDir string, p Policy) []Validator {
	return []Validator{
		&PathValidator{Root: root, StateDir: stateDir},
		&ContentTypeValidator{AllowBinary: p.AllowBinary},
		&ContentPolicyValidator{MaxFileBytes: p.MaxFileBytes, DeniedDirs: p.DeniedDirs},
		&SecretValidator{Disabled: !p.SecretScan},
	}
}

// PathValidator keeps every path strictly inside Root and out of the
// state directory.
type PathValidator struct {
	Root string
	// StateDir is the state directory relative to Root, slash separated.
	StateDir string
}

func (v *PathValidator) Name() string { return "path" }

func (v *PathValidator) Validate(cs types.ChangeSet) error {
	root, err := filepath.EvalSymlinks(v.Root)
	if err != nil {
		root = filepath.Clean(v.Root)
	}
	for _, op := range cs.Operations {
		if reason := v.check(root, op.Path); reason != "" {
			return types.ValidationErr(v.Name(), op.Path, reason)
		}
	}
	return nil
}

func (v *PathValidator) check(root, p string) string {
	switch {
	case strings.TrimSpace(p) == "":
		return "path is empty"
	case strings.ContainsRune(p, 0):
		return "path contains a NUL byte"
	case filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`):
		return "path must be relative to the project root"
	case strings.HasPrefix(p, "~"):
		return "home-relative paths are not allowed"
	}

	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	if clean == "." {
		return "path names the project root"
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "path escapes the project root"
	}
	if sd := strings.Trim(v.StateDir, "/"); sd != "" && (clean == sd || strings.HasPrefix(clean, sd+"/")) {
		return "path is inside the aion state directory"
	}

	abs := filepath.Join(root, filepath.FromSlash(clean))
	if info, err := os.Lstat(abs); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return "path is a symbolic link"
	}
	resolved, err := resolveExisting(abs)
	if err != nil {
		return fmt.Sprintf("cannot resolve path: %v", err)
	}
	if !within(root, resolved) {
		return "path resolves outside the project root"
	}
	return ""
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of
// path and re-attaches the missing tail.
func resolveExisting(path string) (string, error) {
	var tail []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ContentTypeValidator checks that content matches the declared action
// and, unless AllowBinary is set, is UTF-8 text.
type ContentTypeValidator struct {
	AllowBinary bool
}

func (v *ContentTypeValidator) Name() string { return "content-type" }

func (v *ContentTypeValidator) Validate(cs types.ChangeSet) error {
	for _, op := range cs.Operations {
		switch op.Action {
		case types.ActionCreate, types.ActionUpdate:
			if op.Content == nil {
				return types.ValidationErr(v.Name(), op.Path, fmt.Sprintf("%s requires content", op.Action))
			}
			if !v.AllowBinary && (!utf8.Valid(op.Content) || bytes.IndexByte(op.Content, 0) >= 0) {
				return types.ValidationErr(v.Name(), op.Path, "content is not UTF-8 text")
			}
		case types.ActionDelete:
			if len(op.Content) > 0 {
				return types.ValidationErr(v.Name(), op.Path, "delete must not carry content")
			}
		default:
			return types.ValidationErr(v.Name(), op.Path, fmt.Sprintf("unknown action %q", op.Action))
		}
	}
	return nil
}

// ContentPolicyValidator enforces size limits and denied directories.
type ContentPolicyValidator struct {
	MaxFileBytes int64
	DeniedDirs   []string
}

func (v *ContentPolicyValidator) Name() string { return "content-policy" }

func (v *ContentPolicyValidator) Validate(cs types.ChangeSet) error {
	for _, op := range cs.Operations {
		if v.MaxFileBytes > 0 && int64(len(op.Content)) > v.MaxFileBytes {
			return types.ValidationErr(v.Name(), op.Path,
				fmt.Sprintf("content is %d bytes, limit is %d", len(op.Content), v.MaxFileBytes))
		}
		segments := strings.Split(filepath.ToSlash(filepath.Clean(filepath.FromSlash(op.Path))), "/")
		for _, seg := range segments[:len(segments)-1] {
			for _, denied := range v.DeniedDirs {
				if seg == denied {
					return types.ValidationErr(v.Name(), op.Path, fmt.Sprintf("writes below %s/ are denied", denied))
				}
			}
		}
	}
	return nil
}

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"aws-access-key-id", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"private-key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`)},
	{"github-token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"slack-token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`)},
	{"openai-key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{32,}`)},
	{"generic-credential", regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret[_-]?key|access[_-]?token|client[_-]?secret)\b["']?\s*[:=]\s*["']?[A-Za-z0-9_\-/+]{20,}`)},
}

// SecretValidator rejects content that looks like a credential. When
// Disabled it still runs, as a no-op.
type SecretValidator struct {
	Disabled bool
}

func (v *SecretValidator) Name() string { return "secret" }

func (v *SecretValidator) Validate(cs types.ChangeSet) error {
	if v.Disabled {
		return nil
	}
	for _, op := range cs.Operations {
		if len(op.Content) == 0 {
			continue
		}
		for _, p := range secretPatterns {
			if p.re.Match(op.Content) {
				return types.ValidationErr(v.Name(), op.Path, "content matches secret pattern "+p.name)
			}
		}
	}
	return nil
}
