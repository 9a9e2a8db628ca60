// Package security holds the gateway's request guards: the policy gate,
// the sliding-window rate limiter, the daily budget guard, and the kill
// switch.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/openclaw/gateway/pkg/observability"
)

// ViolationCategory names the class of a blocked request.
type ViolationCategory string

const (
	ViolationDestructiveCommand ViolationCategory = "destructive_command"
	ViolationSecretExposure     ViolationCategory = "secret_exposure"
	ViolationInjectionAttempt   ViolationCategory = "injection_attempt"
	ViolationMaliciousCode      ViolationCategory = "malicious_code"
	ViolationSensitivePath      ViolationCategory = "sensitive_path"
)

// Violation describes why a request was blocked.
type Violation struct {
	Category ViolationCategory `json:"category"`
	Pattern  string            `json:"pattern"`
	Severity string            `json:"severity"`
	Message  string            `json:"message"`
}

type policyPattern struct {
	re   *regexp.Regexp
	desc string
}

func mustPatterns(pairs [][2]string) []policyPattern {
	out := make([]policyPattern, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, policyPattern{
			re:   regexp.MustCompile(`(?i)` + p[0]),
			desc: p[1],
		})
	}
	return out
}

// PolicyGate blocks dangerous requests before any routing or model call.
// Categories are checked in a fixed order so the most severe class wins.
type PolicyGate struct {
	mu sync.RWMutex

	destructive []policyPattern
	secrets     []policyPattern
	injection   []policyPattern
	malicious   []policyPattern
	sensitive   []policyPattern

	logger observability.Logger
}

// NewPolicyGate builds the gate with its default pattern set.
func NewPolicyGate(logger observability.Logger) *PolicyGate {
	return &PolicyGate{
		destructive: mustPatterns([][2]string{
			{`\brm\s+(-[rf]+\s+)*[/~]`, "rm with root/home path"},
			{`\brm\s+-[rf]*\s+\*`, "rm with wildcard"},
			{`\brmdir\s+(-[rf]+\s+)*/`, "rmdir with root path"},
			{`>\s*/dev/sd[a-z]`, "write to block device"},
			{`\bmkfs\.`, "filesystem format"},
			{`\bdd\s+.*of=/dev/`, "dd to device"},
			{`:\(\)\{.*\|.*&\s*\};:`, "fork bomb"},
			{`\bsystemctl\s+(stop|disable)\s+(network|ssh|sshd)`, "disable critical service"},
			{`\biptables\s+-F`, "flush iptables"},
			{`\bufw\s+disable`, "disable firewall"},
		}),
		secrets: mustPatterns([][2]string{
			{`cat\s+.*(/etc/shadow|/etc/passwd)`, "read system credentials"},
			{`cat\s+.*(\.env|\.ssh|id_rsa|\.aws|credentials)`, "read secrets"},
			{`echo\s+.*\$\{?(API_KEY|SECRET|PASSWORD|TOKEN)`, "echo secrets"},
			{`curl\s+.*@.*password`, "curl with password"},
			{`printenv\s+.*(SECRET|KEY|PASSWORD|TOKEN)`, "print secret env"},
			{`export\s+.*=.*\bsk-[a-zA-Z0-9]+`, "export API key"},
		}),
		injection: mustPatterns([][2]string{
			{`;\s*(rm|cat|curl|wget|bash|sh|python|perl)`, "command injection"},
			{`\|\s*(bash|sh|python|perl)`, "pipe to shell"},
			{`\$\(.*\)`, "command substitution in suspicious context"},
			{"`[^`]+`", "backtick execution"},
			{`eval\s*\(`, "eval execution"},
			{`exec\s*\(`, "exec execution"},
		}),
		malicious: mustPatterns([][2]string{
			{`base64\s+-d.*\|\s*(bash|sh)`, "base64 decode to shell"},
			{`curl\s+.*\|\s*(bash|sh)`, "curl pipe to shell"},
			{`wget\s+.*-O\s*-\s*\|\s*(bash|sh)`, "wget pipe to shell"},
			{`nc\s+-[el]+`, "netcat listener"},
			{`/dev/tcp/`, "bash tcp"},
			{`python\s+-c\s+['"]import\s+(socket|subprocess)`, "python reverse shell"},
		}),
		sensitive: mustPatterns([][2]string{
			{`/etc/sudoers`, "sudoers modification"},
			{`/etc/passwd`, "passwd access"},
			{`/etc/shadow`, "shadow access"},
			{`/root/`, "root directory access"},
			{`~root/`, "root home access"},
			{`/proc/\d+/`, "process memory access"},
		}),
		logger: logger.WithPrefix("policy_gate"),
	}
}

// Check returns the first violation in category order, or nil when the
// query is allowed. Injection hits are suppressed for queries that look
// like code-example questions; sensitive-path hits only block when the
// query also names a dangerous operation.
func (g *PolicyGate) Check(query string) *Violation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	lower := strings.ToLower(query)

	for _, p := range g.destructive {
		if p.re.MatchString(lower) {
			return g.blocked(ViolationDestructiveCommand, p, "critical")
		}
	}
	for _, p := range g.secrets {
		if p.re.MatchString(lower) {
			return g.blocked(ViolationSecretExposure, p, "high")
		}
	}
	for _, p := range g.injection {
		if p.re.MatchString(lower) {
			if isLikelyCodeExample(lower) {
				continue
			}
			return g.blocked(ViolationInjectionAttempt, p, "high")
		}
	}
	for _, p := range g.malicious {
		if p.re.MatchString(lower) {
			return g.blocked(ViolationMaliciousCode, p, "high")
		}
	}
	for _, p := range g.sensitive {
		if p.re.MatchString(lower) && hasDangerousOperation(lower) {
			return g.blocked(ViolationSensitivePath, p, "medium")
		}
	}
	return nil
}

func (g *PolicyGate) blocked(cat ViolationCategory, p policyPattern, severity string) *Violation {
	g.logger.Warn("request blocked", map[string]interface{}{
		"category": string(cat),
		"reason":   p.desc,
	})
	return &Violation{
		Category: cat,
		Pattern:  p.re.String(),
		Severity: severity,
		Message:  "Blocked: " + p.desc,
	}
}

var exampleIndicators = []string{
	"beispiel", "example", "wie funktioniert",
	"how does", "explain", "erkläre", "was macht",
	"what does", "syntax", "tutorial", "lernen",
	"learn", "documentation", "docs",
}

func isLikelyCodeExample(lower string) bool {
	for _, ind := range exampleIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

var dangerousOps = mustPatterns([][2]string{
	{`\bwrite\b`, ""}, {`\bmodify\b`, ""}, {`\bchange\b`, ""}, {`\bedit\b`, ""},
	{`\bdelete\b`, ""}, {`\bremove\b`, ""}, {`\boverwrite\b`, ""},
	{`\b>\s*/`, ""}, {`\bchmod\b`, ""}, {`\bchown\b`, ""},
})

func hasDangerousOperation(lower string) bool {
	for _, op := range dangerousOps {
		if op.re.MatchString(lower) {
			return true
		}
	}
	return false
}

// AddPattern registers a custom pattern at runtime.
func (g *PolicyGate) AddPattern(category ViolationCategory, pattern, description string) error {
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return fmt.Errorf("invalid policy pattern: %w", err)
	}
	p := policyPattern{re: re, desc: description}

	g.mu.Lock()
	defer g.mu.Unlock()
	switch category {
	case ViolationDestructiveCommand:
		g.destructive = append(g.destructive, p)
	case ViolationSecretExposure:
		g.secrets = append(g.secrets, p)
	case ViolationInjectionAttempt:
		g.injection = append(g.injection, p)
	case ViolationMaliciousCode:
		g.malicious = append(g.malicious, p)
	case ViolationSensitivePath:
		g.sensitive = append(g.sensitive, p)
	default:
		return fmt.Errorf("unknown violation category %q", category)
	}
	return nil
}

// Stats reports the pattern count per category.
func (g *PolicyGate) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"destructive_patterns":    len(g.destructive),
		"secret_patterns":         len(g.secrets),
		"injection_patterns":      len(g.injection),
		"malicious_patterns":      len(g.malicious),
		"sensitive_path_patterns": len(g.sensitive),
	}
}
