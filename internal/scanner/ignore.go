package scanner

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/codegrep/internal/identity"
)

// ToolIgnoreName is the tool-specific ignore file consulted in addition to
// the repo's .gitignore hierarchy. Per-user global ignores are deliberately
// not consulted so every agent sharing the repo sees the same eligible set.
const ToolIgnoreName = ".codegrepignore"

// ignoreRule is one parsed pattern.
type ignoreRule struct {
	pattern string
	negate  bool
	dirOnly bool
	rooted  bool // pattern contains a slash, anchored to its ignore file's dir
	baseDir string
}

// IgnoreSet evaluates the repo ignore hierarchy.
type IgnoreSet struct {
	rules []ignoreRule
	files []identity.IgnoreInput
}

// LoadIgnores walks the repo collecting .gitignore files plus the tool ignore
// file at the root. Rule order follows directory depth, so deeper files win.
func LoadIgnores(root string) (*IgnoreSet, error) {
	set := &IgnoreSet{}

	var ignorePaths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, eligibility handles it
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ".gitignore" || (d.Name() == ToolIgnoreName && filepath.Dir(path) == root) {
			ignorePaths = append(ignorePaths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ignorePaths)

	for _, p := range ignorePaths {
		content, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			continue
		}
		if key, kerr := identity.PathKey(rel); kerr == nil {
			set.files = append(set.files, identity.IgnoreInput{PathKey: key, Content: content})
		}
		base := filepath.ToSlash(filepath.Dir(rel))
		if base == "." {
			base = ""
		}
		set.parse(content, base)
	}
	return set, nil
}

// Inputs returns the ignore file contents for fingerprinting.
func (s *IgnoreSet) Inputs() []identity.IgnoreInput { return s.files }

func (s *IgnoreSet) parse(content []byte, baseDir string) {
	scan := bufio.NewScanner(bytes.NewReader(content))
	for scan.Scan() {
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rule := ignoreRule{baseDir: baseDir}
		if strings.HasPrefix(text, "!") {
			rule.negate = true
			text = text[1:]
		}
		if strings.HasSuffix(text, "/") {
			rule.dirOnly = true
			text = strings.TrimSuffix(text, "/")
		}
		if strings.HasPrefix(text, "/") {
			rule.rooted = true
			text = text[1:]
		} else if strings.Contains(text, "/") {
			rule.rooted = true
		}
		rule.pattern = text
		s.rules = append(s.rules, rule)
	}
}

// Ignored evaluates a path key against the hierarchy. Last matching rule
// wins, mirroring gitignore semantics.
func (s *IgnoreSet) Ignored(pathKey string, isDir bool) bool {
	ignored := false
	for _, r := range s.rules {
		if r.dirOnly && !isDir && !ruleMatchesParent(r, pathKey) {
			continue
		}
		if ruleMatches(r, pathKey) || (r.dirOnly && ruleMatchesParent(r, pathKey)) {
			ignored = !r.negate
		}
	}
	return ignored
}

func ruleMatches(r ignoreRule, pathKey string) bool {
	rel := pathKey
	if r.baseDir != "" {
		if !strings.HasPrefix(pathKey, r.baseDir+"/") {
			return false
		}
		rel = strings.TrimPrefix(pathKey, r.baseDir+"/")
	}
	if r.rooted {
		return globMatch(r.pattern, rel)
	}
	// Unrooted pattern matches the basename or any suffix segment chain.
	if globMatch(r.pattern, filepath.Base(rel)) {
		return true
	}
	return globMatch(r.pattern, rel)
}

// ruleMatchesParent reports whether some ancestor directory of pathKey
// matches a dir-only rule.
func ruleMatchesParent(r ignoreRule, pathKey string) bool {
	parts := strings.Split(pathKey, "/")
	for i := 1; i < len(parts); i++ {
		dir := strings.Join(parts[:i], "/")
		if ruleMatches(r, dir) {
			return true
		}
	}
	return false
}

// globMatch supports gitignore-style globs including "**".
func globMatch(pattern, name string) bool {
	if !strings.Contains(pattern, "**") {
		ok, err := filepath.Match(pattern, name)
		return err == nil && ok
	}
	return doubleStarMatch(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func doubleStarMatch(pat, parts []string) bool {
	if len(pat) == 0 {
		return len(parts) == 0
	}
	if pat[0] == "**" {
		for i := 0; i <= len(parts); i++ {
			if doubleStarMatch(pat[1:], parts[i:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	ok, err := filepath.Match(pat[0], parts[0])
	if err != nil || !ok {
		return false
	}
	return doubleStarMatch(pat[1:], parts[1:])
}
