package monitor

import (
	"regexp"
	"strings"
)

// CodeScanner flags submissions that test the sandbox's walls. It is advisory: a
// finding is logged and counted, the program still runs under the same
// isolation as any other.
type CodeScanner struct {
	rules []Rule
}

// Rule is one pattern. Languages limits the rule to those canonical language
// names; an empty list applies it to every language.
type Rule struct {
	Name      string
	Detail    string
	Languages []string
	Regex     *regexp.Regexp
	Severity  Severity
}

// Severity levels for findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is a rule match in submitted code or captured output.
type Finding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewCodeScanner creates a scanner with the built-in rules.
func NewCodeScanner() *CodeScanner {
	return &CodeScanner{rules: defaultRules()}
}

func (r Rule) appliesTo(language string) bool {
	if len(r.Languages) == 0 {
		return true
	}
	for _, l := range r.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// ScanCode matches code line by line. A rule reports at most once per line.
func (s *CodeScanner) ScanCode(language, code string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(code, "\n") {
		for _, r := range s.rules {
			if !r.appliesTo(language) || !r.Regex.MatchString(line) {
				continue
			}
			findings = append(findings, Finding{
				Rule:     r.Name,
				Severity: r.Severity.String(),
				Detail:   r.Detail,
				Line:     i + 1,
			})
		}
	}
	return findings
}

var outputMarkers = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"passwd_leak", "root:x:0:0", SeverityHigh},
	{"kernel_leak", "Linux version", SeverityMedium},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"containerd_socket", "containerd.sock", SeverityCritical},
	{"metadata_leak", "ami-id", SeverityHigh},
}

// ScanOutput checks captured output for host information a sealed sandbox
// should never expose.
func (s *CodeScanner) ScanOutput(output string) []Finding {
	var findings []Finding
	for _, m := range outputMarkers {
		if strings.Contains(output, m.substr) {
			findings = append(findings, Finding{
				Rule:     m.name,
				Severity: m.sev.String(),
				Detail:   "suspicious content in output: " + m.name,
			})
		}
	}
	return findings
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:     "proc_self_access",
			Detail:   "reads /proc/self internals",
			Regex:    regexp.MustCompile(`/proc/(self|1)/(root|exe|fd|ns|maps|environ|cgroup)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "cgroup_breakout",
			Detail:   "touches cgroup release hooks",
			Regex:    regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity: SeverityCritical,
		},
		{
			Name:     "runtime_socket",
			Detail:   "references a container runtime socket",
			Regex:    regexp.MustCompile(`docker\.sock|containerd\.sock|/var/run/docker`),
			Severity: SeverityCritical,
		},
		{
			Name:     "metadata_service",
			Detail:   "targets a cloud metadata endpoint",
			Regex:    regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal`),
			Severity: SeverityHigh,
		},
		{
			Name:     "reverse_shell",
			Detail:   "reverse shell idiom",
			Regex:    regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*-[ec]\b|/dev/tcp/|bash\s+-i\s+>&`),
			Severity: SeverityCritical,
		},
		{
			Name:     "ptrace",
			Detail:   "process tracing or memory injection",
			Regex:    regexp.MustCompile(`(?i)\bptrace\b|process_vm_(readv|writev)|PTRACE_ATTACH`),
			Severity: SeverityHigh,
		},
		{
			Name:     "kernel_exploit",
			Detail:   "names a known kernel exploit",
			Regex:    regexp.MustCompile(`(?i)dirty.?(cow|pipe)|userfaultfd`),
			Severity: SeverityCritical,
		},
		{
			Name:     "crypto_miner",
			Detail:   "cryptocurrency mining",
			Regex:    regexp.MustCompile(`(?i)stratum\+tcp|xmrig|cryptonight`),
			Severity: SeverityMedium,
		},
		{
			Name:      "fork_bomb",
			Detail:    "unbounded process spawning",
			Languages: []string{"PYTHON", "RUBY", "PHP", "CPP"},
			Regex:     regexp.MustCompile(`while\s*\(?\s*(True|true|1)\s*\)?\s*:?\s*\{?\s*(os\.)?fork\(\)`),
			Severity:  SeverityMedium,
		},
		{
			Name:      "shell_exec",
			Detail:    "spawns a host shell",
			Languages: []string{"PYTHON"},
			Regex:     regexp.MustCompile(`\bos\.(system|popen|exec\w*)\(|\bsubprocess\.`),
			Severity:  SeverityLow,
		},
		{
			Name:      "shell_exec",
			Detail:    "spawns a host shell",
			Languages: []string{"JAVASCRIPT"},
			Regex:     regexp.MustCompile(`child_process`),
			Severity:  SeverityLow,
		},
		{
			Name:      "shell_exec",
			Detail:    "spawns a host shell",
			Languages: []string{"JAVA"},
			Regex:     regexp.MustCompile(`Runtime\.getRuntime\(\)\.exec|new\s+ProcessBuilder`),
			Severity:  SeverityLow,
		},
		{
			Name:      "shell_exec",
			Detail:    "spawns a host shell",
			Languages: []string{"GO"},
			Regex:     regexp.MustCompile(`"os/exec"|syscall\.Exec`),
			Severity:  SeverityLow,
		},
		{
			Name:      "shell_exec",
			Detail:    "spawns a host shell",
			Languages: []string{"RUST"},
			Regex:     regexp.MustCompile(`std::process::Command|process::Command::new`),
			Severity:  SeverityLow,
		},
		{
			Name:      "shell_exec",
			Detail:    "spawns a host shell",
			Languages: []string{"CPP"},
			Regex:     regexp.MustCompile(`\b(system|popen|execv\w*)\s*\(`),
			Severity:  SeverityLow,
		},
		{
			Name:      "shell_exec",
			Detail:    "spawns a host shell",
			Languages: []string{"RUBY"},
			Regex:     regexp.MustCompile("`[^`]+`|\\b(system|exec|spawn)\\s*\\(|%x\\{"),
			Severity:  SeverityLow,
		},
		{
			Name:      "shell_exec",
			Detail:    "spawns a host shell",
			Languages: []string{"PHP"},
			Regex:     regexp.MustCompile(`\b(shell_exec|exec|system|passthru|proc_open|popen)\s*\(`),
			Severity:  SeverityLow,
		},
	}
}
