package orchestrator

import "github.com/floegence/flowerchat/internal/chat"

// DefaultHistoryWindow is the number of most recent turns sent upstream.
const DefaultHistoryWindow = 99

// CollapseRuns keeps only the last turn of every run of consecutive turns
// that share a role. The result alternates roles and ends on the same turn as
// the input.
func CollapseRuns(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for i, m := range msgs {
		if i+1 < len(msgs) && msgs[i+1].Role == m.Role {
			continue
		}
		out = append(out, m)
	}
	return out
}

// BuildHistory trims msgs to the most recent window turns and collapses
// same-role runs.
func BuildHistory(msgs []chat.Message, window int) []chat.Message {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	return CollapseRuns(msgs)
}
