package iteration

import "fmt"

const (
	DefaultMaxEmptyIterations    = 3
	DefaultMaxThinkingIterations = 3
	DefaultMaxAPICalls           = 100
	DefaultMaxTokens             = 1_000_000
)

// EmergencyBrake holds the hard ceilings checked before every turn. A zero
// ceiling disables that check.
type EmergencyBrake struct {
	MaxAPICalls int
	MaxTokens   int
}

// BrakeCheck is the result of ShouldStopIteration.
type BrakeCheck struct {
	Triggered bool
	Reason    string
}

// ShouldStopIteration trips when the API call count reaches its ceiling or the
// token count exceeds its ceiling.
func (b EmergencyBrake) ShouldStopIteration(state *IterationState, currentTokens int) BrakeCheck {
	if b.MaxAPICalls > 0 && state.APICalls >= b.MaxAPICalls {
		return BrakeCheck{
			Triggered: true,
			Reason:    fmt.Sprintf("API call limit reached (%d/%d)", state.APICalls, b.MaxAPICalls),
		}
	}
	if b.MaxTokens > 0 && currentTokens > b.MaxTokens {
		return BrakeCheck{
			Triggered: true,
			Reason:    fmt.Sprintf("token limit exceeded (%d/%d)", currentTokens, b.MaxTokens),
		}
	}
	return BrakeCheck{}
}

// CheckEmptyIterations updates the empty-turn counter and reports whether the
// loop should stop. An active turn (a tool call, or reasoning handled by
// CheckThinkingLoop) resets the counter.
func CheckEmptyIterations(state *IterationState, active bool, maxEmpty int) bool {
	if maxEmpty <= 0 {
		maxEmpty = DefaultMaxEmptyIterations
	}
	if active {
		state.ConsecutiveEmptyIterations = 0
		return false
	}
	state.ConsecutiveEmptyIterations++
	return state.ConsecutiveEmptyIterations >= maxEmpty
}

// CheckThinkingLoop updates the reasoning-only counter. When it reaches
// maxConsecutive the counter resets and a directive is returned for injection
// into the next turn; otherwise it returns "".
func CheckThinkingLoop(state *IterationState, isThinking bool, maxConsecutive int) string {
	if maxConsecutive <= 0 {
		maxConsecutive = DefaultMaxThinkingIterations
	}
	if !isThinking {
		state.ConsecutiveThinkingIterations = 0
		return ""
	}
	state.ConsecutiveThinkingIterations++
	if state.ConsecutiveThinkingIterations < maxConsecutive {
		return ""
	}
	n := state.ConsecutiveThinkingIterations
	state.ConsecutiveThinkingIterations = 0
	return fmt.Sprintf(
		"You have spent %d turns reasoning without acting. Stop planning and call a tool now to make concrete progress.",
		n,
	)
}
