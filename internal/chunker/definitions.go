package chunker

import (
	"regexp"
	"strings"
)

// definition marks a detected definition line.
type definition struct {
	line int // 0-based
	name string
}

// Per-language definition patterns. The first capture group is the name.
var defPatterns = map[string][]*regexp.Regexp{
	"go": {
		regexp.MustCompile(`^func\s+(?:\([^)]*\)\s+)?([A-Za-z_][A-Za-z0-9_]*)`),
		regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)`),
	},
	"rust": {
		regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`),
		regexp.MustCompile(`^\s*(?:pub\s+)?(?:struct|enum|trait)\s+([A-Za-z_][A-Za-z0-9_]*)`),
		regexp.MustCompile(`^impl\b.*?\bfor\s+([A-Za-z_][A-Za-z0-9_]*)`),
	},
	"python": {
		regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)`),
		regexp.MustCompile(`^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)`),
	},
	"javascript": {
		regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][A-Za-z0-9_$]*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
	},
	"typescript": {
		regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][A-Za-z0-9_$]*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?interface\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
	},
	"java": {
		regexp.MustCompile(`^\s*(?:public|private|protected)?\s*(?:static\s+)?(?:final\s+)?(?:class|interface|enum|record)\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
	},
	"c": {
		regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\s\*]*\b([A-Za-z_][A-Za-z0-9_]*)\s*\([^;]*$`),
	},
	"cpp": {
		regexp.MustCompile(`^\s*(?:class|struct)\s+([A-Za-z_][A-Za-z0-9_]*)`),
		regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_:<>\s\*&]*\b([A-Za-z_][A-Za-z0-9_]*)\s*\([^;]*$`),
	},
	"ruby": {
		regexp.MustCompile(`^\s*def\s+(?:self\.)?([A-Za-z_][A-Za-z0-9_?!]*)`),
		regexp.MustCompile(`^\s*(?:class|module)\s+([A-Za-z_][A-Za-z0-9_:]*)`),
	},
	"markdown": {
		regexp.MustCompile(`^#{1,3}\s+(.+)$`),
	},
}

// definitionLines scans a file's lines for definitions of the given language.
func definitionLines(lines []line, lang string) []definition {
	patterns, ok := defPatterns[lang]
	if !ok {
		return nil
	}
	var defs []definition
	for i, l := range lines {
		for _, p := range patterns {
			if m := p.FindStringSubmatch(l.text); m != nil {
				defs = append(defs, definition{line: i, name: strings.TrimSpace(m[1])})
				break
			}
		}
	}
	return defs
}
