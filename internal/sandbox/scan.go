package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// Scan severities. One critical hit blocks outright; high hits block once
// three or more accumulate.
const (
	sevCritical = "critical"
	sevHigh     = "high"
)

type pattern struct {
	re       *regexp.Regexp
	severity string
	reason   string
}

func pat(sev, reason, expr string) pattern {
	return pattern{re: regexp.MustCompile(expr), severity: sev, reason: reason}
}

// Lexical pre-flight patterns per language: process spawning, network
// sockets, filesystem access, reflection/eval, raw syscalls. The container
// already blocks all of these at runtime; the scan exists to fail fast and
// keep obviously hostile source out of the execution logs.
var patternsByLang = map[string][]pattern{
	"javascript": {
		pat(sevCritical, "process spawn", `child_process`),
		pat(sevCritical, "dynamic eval", `\beval\s*\(`),
		pat(sevHigh, "network access", `require\s*\(\s*['"](net|http|https|dgram)['"]`),
		pat(sevHigh, "filesystem access", `require\s*\(\s*['"]fs['"]`),
		pat(sevHigh, "dynamic code", `new\s+Function\s*\(`),
	},
	"python": {
		pat(sevCritical, "process spawn", `\b(subprocess|os\.system|os\.popen|os\.exec)`),
		pat(sevCritical, "native interop", `\bctypes\b`),
		pat(sevHigh, "network access", `\bimport\s+socket\b|\bfrom\s+socket\b`),
		pat(sevHigh, "filesystem access", `\bopen\s*\(`),
		pat(sevHigh, "dynamic eval", `\b(eval|exec|compile)\s*\(`),
		pat(sevHigh, "dynamic import", `__import__\s*\(`),
	},
	"java": {
		pat(sevCritical, "process spawn", `Runtime\.getRuntime\s*\(\s*\)\s*\.exec|ProcessBuilder`),
		pat(sevHigh, "network access", `java\.net\.`),
		pat(sevHigh, "filesystem access", `java\.io\.File|java\.nio\.file`),
		pat(sevHigh, "reflection", `java\.lang\.reflect|Class\.forName`),
	},
	"cpp": {
		pat(sevCritical, "process spawn", `\bsystem\s*\(|\bexec[lv]p?e?\s*\(|\bpopen\s*\(`),
		pat(sevCritical, "raw syscall", `\bsyscall\s*\(|\basm\b|__asm__`),
		pat(sevHigh, "process fork", `\bfork\s*\(`),
		pat(sevHigh, "network access", `\bsocket\s*\(|sys/socket\.h`),
		pat(sevHigh, "filesystem access", `\bfopen\s*\(|\bstd::ofstream|\bstd::ifstream`),
	},
	"c": {
		pat(sevCritical, "process spawn", `\bsystem\s*\(|\bexec[lv]p?e?\s*\(|\bpopen\s*\(`),
		pat(sevCritical, "raw syscall", `\bsyscall\s*\(|\basm\b|__asm__`),
		pat(sevHigh, "process fork", `\bfork\s*\(`),
		pat(sevHigh, "network access", `\bsocket\s*\(|sys/socket\.h`),
		pat(sevHigh, "filesystem access", `\bfopen\s*\(`),
	},
	"go": {
		pat(sevCritical, "process spawn", `os/exec`),
		pat(sevCritical, "raw syscall", `\bsyscall\b`),
		pat(sevHigh, "network access", `"net"|"net/http"`),
		pat(sevHigh, "filesystem access", `os\.(Open|Create|Remove|ReadFile|WriteFile)`),
		pat(sevHigh, "unsafe memory", `\bunsafe\b`),
	},
	"rust": {
		pat(sevCritical, "process spawn", `std::process`),
		pat(sevCritical, "raw assembly", `asm!`),
		pat(sevHigh, "network access", `std::net`),
		pat(sevHigh, "filesystem access", `std::fs`),
		pat(sevHigh, "unsafe block", `\bunsafe\b`),
	},
	"php": {
		pat(sevCritical, "process spawn", `\b(shell_exec|exec|system|passthru|proc_open|popen)\s*\(`),
		pat(sevCritical, "dynamic eval", `\beval\s*\(`),
		pat(sevHigh, "network access", `\b(fsockopen|curl_init|socket_create)\s*\(`),
		pat(sevHigh, "filesystem access", `\b(fopen|file_get_contents|file_put_contents|unlink)\s*\(`),
	},
}

// Scanner is the optional pre-flight source check.
type Scanner struct {
	enabled bool
	extra   []string // operator-supplied keywords, all treated as critical
}

func NewScanner(enabled bool, bannedKeywords []string) *Scanner {
	return &Scanner{enabled: enabled, extra: bannedKeywords}
}

// BlockedError carries the reasons a source was rejected.
type BlockedError struct {
	Reasons []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("source blocked by security scan: %s", strings.Join(e.Reasons, "; "))
}

// Check returns a *BlockedError when the source trips the policy, nil
// otherwise.
func (s *Scanner) Check(language, code string) error {
	if s == nil || !s.enabled {
		return nil
	}

	var reasons []string
	highs := 0

	for _, kw := range s.extra {
		if strings.Contains(code, kw) {
			reasons = append(reasons, fmt.Sprintf("banned keyword %q", kw))
		}
	}
	if len(reasons) > 0 {
		return &BlockedError{Reasons: reasons}
	}

	for _, p := range patternsByLang[language] {
		if !p.re.MatchString(code) {
			continue
		}
		switch p.severity {
		case sevCritical:
			return &BlockedError{Reasons: []string{p.reason}}
		case sevHigh:
			highs++
			reasons = append(reasons, p.reason)
		}
	}
	if highs >= 3 {
		return &BlockedError{Reasons: reasons}
	}
	return nil
}
