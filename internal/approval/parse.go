package approval

import "strings"

// Timer scope values carried in a parsed approval response.
const (
	TimerAll = "all"
	TimerDir = "dir"
)

// Response is a classified free-text reply to a permission request.
// Timer is "" (no timer), TimerAll, TimerDir, or a literal tool name.
type Response struct {
	Allow  bool
	Reason string
	Timer  string
}

var (
	proceedWords = map[string]bool{
		"proceed": true, "continue": true, "start": true,
		"go": true, "ok": true, "okay": true,
	}
	abortWords = map[string]bool{"cancel": true, "stop": true, "abort": true}
	allowWords = map[string]bool{"allow": true, "approve": true, "yes": true}
	denyWords  = map[string]bool{"deny": true, "reject": true, "no": true}
)

// ParseApprovalText classifies a human reply as an approval response.
// Returns false when the text is not an approval at all, in which case
// the caller should try other interpretations (commands, plain input).
//
// Rule order matters: "allow all" must not fall into the generic
// "allow <tool>" rule, and a bare "deny" must not be eaten by the
// "deny <reason>" rule.
func ParseApprovalText(text string) (Response, bool) {
	stripped := strings.TrimSpace(text)
	lower := strings.ToLower(stripped)

	if proceedWords[lower] {
		return Response{Allow: true}, true
	}
	if abortWords[lower] {
		return Response{Allow: false}, true
	}
	if lower == "allow all" {
		return Response{Allow: true, Timer: TimerAll}, true
	}
	if lower == "allow dir" {
		return Response{Allow: true, Timer: TimerDir}, true
	}
	if strings.HasPrefix(lower, "allow ") {
		rest := strings.TrimSpace(stripped[len("allow "):])
		if rest != "" {
			return Response{Allow: true, Timer: rest}, true
		}
	}
	if allowWords[lower] {
		return Response{Allow: true}, true
	}
	for _, prefix := range []string{"deny:", "reject:", "no:"} {
		if strings.HasPrefix(lower, prefix) {
			sep := strings.Index(stripped, ":")
			reason := strings.TrimSpace(stripped[sep+1:])
			return Response{Allow: false, Reason: reason}, true
		}
	}
	if strings.HasPrefix(lower, "deny ") || strings.HasPrefix(lower, "reject ") {
		sep := strings.Index(stripped, " ")
		reason := strings.TrimSpace(stripped[sep+1:])
		if reason != "" {
			return Response{Allow: false, Reason: reason}, true
		}
	}
	if denyWords[lower] {
		return Response{Allow: false}, true
	}
	return Response{}, false
}

// MatchChoiceText resolves a free-text reply against a choice request's
// option labels. A digits-only reply selects the 1-based option index;
// otherwise the text must match an option label case-insensitively.
func MatchChoiceText(text string, options []string) (string, bool) {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return "", false
	}
	if isDigits(stripped) {
		idx := 0
		for _, r := range stripped {
			idx = idx*10 + int(r-'0')
			if idx > len(options) {
				return "", false
			}
		}
		if idx >= 1 && idx <= len(options) {
			return options[idx-1], true
		}
		return "", false
	}
	for _, opt := range options {
		if strings.EqualFold(opt, stripped) {
			return opt, true
		}
	}
	return "", false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
