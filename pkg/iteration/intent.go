package iteration

import (
	"strings"
	"unicode"
)

// Intent is a coarse classification of what the user asked for. It decides
// the iteration ceiling of a run.
type Intent string

const (
	IntentBuild      Intent = "build"
	IntentFix        Intent = "fix"
	IntentDiagnostic Intent = "diagnostic"
	IntentCasual     Intent = "casual"
)

// IntentLimits maps each intent to its maximum iteration count.
type IntentLimits struct {
	Build      int `mapstructure:"build" json:"build" yaml:"build"`
	Fix        int `mapstructure:"fix" json:"fix" yaml:"fix"`
	Diagnostic int `mapstructure:"diagnostic" json:"diagnostic" yaml:"diagnostic"`
	Casual     int `mapstructure:"casual" json:"casual" yaml:"casual"`
}

func DefaultIntentLimits() IntentLimits {
	return IntentLimits{Build: 50, Fix: 30, Diagnostic: 20, Casual: 5}
}

var intentKeywords = []struct {
	intent Intent
	words  []string
}{
	{IntentFix, []string{"fix", "bug", "broken", "crash", "crashes", "failing", "fails", "error", "errors", "repair", "regression"}},
	{IntentBuild, []string{"build", "create", "implement", "add", "write", "make", "refactor", "generate", "scaffold", "migrate", "port"}},
	{IntentDiagnostic, []string{"why", "investigate", "diagnose", "debug", "explain", "analyze", "analyse", "inspect", "check", "trace", "profile"}},
}

// ClassifyIntent picks an intent from keywords in prompt. Fix wins over build,
// and build over diagnostic. Prompts with no match are casual.
func ClassifyIntent(prompt string) Intent {
	words := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}

	for _, group := range intentKeywords {
		for _, kw := range group.words {
			if _, ok := seen[kw]; ok {
				return group.intent
			}
		}
	}
	return IntentCasual
}

// MaxIterationsFor returns the ceiling for intent. Zero limits fall back to
// DefaultIntentLimits.
func MaxIterationsFor(intent Intent, limits IntentLimits) int {
	defaults := DefaultIntentLimits()
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}

	switch intent {
	case IntentBuild:
		return pick(limits.Build, defaults.Build)
	case IntentFix:
		return pick(limits.Fix, defaults.Fix)
	case IntentDiagnostic:
		return pick(limits.Diagnostic, defaults.Diagnostic)
	default:
		return pick(limits.Casual, defaults.Casual)
	}
}
