package rag

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DetailLevel steers how verbose and technical the generated answer is.
type DetailLevel string

const (
	DetailBasic    DetailLevel = "basic"
	DetailStandard DetailLevel = "standard"
	DetailAdvanced DetailLevel = "advanced"
)

func ParseDetailLevel(s string) (DetailLevel, bool) {
	switch DetailLevel(strings.ToLower(strings.TrimSpace(s))) {
	case DetailBasic:
		return DetailBasic, true
	case DetailStandard:
		return DetailStandard, true
	case DetailAdvanced:
		return DetailAdvanced, true
	}
	return "", false
}

var (
	cliPattern      = regexp.MustCompile(`\b(docker|kubectl|curl|pip|conda|apt-get|brew)\b`)
	logPattern      = regexp.MustCompile(`\b(traceback|exception|stack trace|error:|warn\[)\b`)
	protocolPattern = regexp.MustCompile(`\b(http|https|grpc|tcp|udp|oauth|jwt)\b`)
	acronymPattern  = regexp.MustCompile(`\b(RAG|LLM|API|SDK|TLS|SSL|CVE|XSS|CSRF|SQLi|RBAC|IAM)\b`)
)

// ClassifyDetailLevel scores surface features of the question text. Code
// blocks, CLI vocabulary and log fragments weigh double; protocol names,
// acronyms and sheer length weigh single. Three points selects advanced;
// a short question with none of the signals stays basic.
func ClassifyDetailLevel(message string) DetailLevel {
	m := strings.TrimSpace(message)
	if m == "" {
		return DetailBasic
	}
	lower := strings.ToLower(m)

	hasCodeBlock := strings.Contains(m, "```")
	hasCLI := cliPattern.MatchString(lower)
	hasLogs := logPattern.MatchString(lower)
	hasProtocols := protocolPattern.MatchString(lower)
	hasAcronyms := acronymPattern.MatchString(m)
	length := utf8.RuneCountInString(m)
	longOrMulti := length > 180 ||
		strings.Count(m, "?") >= 2 ||
		strings.Count(m, "\n") >= 3

	score := 0
	if hasCodeBlock {
		score += 2
	}
	if hasCLI {
		score += 2
	}
	if hasLogs {
		score += 2
	}
	if hasProtocols {
		score++
	}
	if hasAcronyms {
		score++
	}
	if longOrMulti {
		score++
	}

	if score >= 3 {
		return DetailAdvanced
	}
	if length <= 60 && !(hasCLI || hasLogs || hasProtocols || hasAcronyms || hasCodeBlock) {
		return DetailBasic
	}
	return DetailStandard
}

func detailInstructions(level DetailLevel) string {
	switch level {
	case DetailBasic:
		return "Write for a beginner.\n" +
			"- Keep it short (3-8 sentences).\n" +
			"- Explain jargon in plain language.\n" +
			"- Prefer bullets.\n" +
			"- Avoid deep implementation details unless asked.\n"
	case DetailAdvanced:
		return "Write for a technical audience.\n" +
			"- Be precise.\n" +
			"- Include concrete steps, commands, and edge cases when helpful.\n" +
			"- Mention security/reliability considerations if relevant.\n" +
			"- If you make assumptions, state them.\n"
	default:
		return "Write at an intermediate level.\n" +
			"- Clear explanation with practical guidance.\n" +
			"- Use bullets and short sections.\n" +
			"- Include commands only when they add real value.\n"
	}
}
