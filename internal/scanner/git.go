package scanner

import (
	"os/exec"
	"strings"

	"github.com/dshills/codegrep/pkg/types"
)

// gitRenames asks source control for reported renames, keyed old -> new.
// Renames are only honored when the content hash is also unchanged; the
// caller enforces that.
func gitRenames(root string) map[string]string {
	out, err := exec.Command("git", "-C", root, "status", "--porcelain", "-z", "--find-renames").Output()
	if err != nil {
		return nil
	}
	renames := make(map[string]string)
	fields := strings.Split(string(out), "\x00")
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		status := entry[:2]
		if status[0] != 'R' && status[1] != 'R' {
			continue
		}
		// Renames arrive as "R  new\x00old".
		newPath := entry[3:]
		if i+1 >= len(fields) {
			break
		}
		oldPath := fields[i+1]
		i++
		if oldPath != "" && newPath != "" {
			renames[oldPath] = newPath
		}
	}
	return renames
}

// GitInfo captures the workspace state recorded in manifests and responses.
func GitInfo(root string, untrackedIncluded bool) types.GitInfo {
	info := types.GitInfo{UntrackedIncluded: untrackedIncluded}
	if head, err := exec.Command("git", "-C", root, "rev-parse", "HEAD").Output(); err == nil {
		info.Head = strings.TrimSpace(string(head))
	}
	if out, err := exec.Command("git", "-C", root, "status", "--porcelain").Output(); err == nil {
		info.Dirty = len(strings.TrimSpace(string(out))) > 0
	}
	return info
}
