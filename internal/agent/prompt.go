package agent

import (
	"fmt"
	"strings"
)

// pathInstructionsMarker detects whether repo-root path guidance is already
// present so it is never duplicated across assist retries.
const pathInstructionsMarker = "repository-root-relative POSIX paths"

const pathInstructions = `When referring to files, always use repository-root-relative POSIX paths (for example "internal/git/git.go", never absolute paths).

`

const resumeHeader = "Continue this session using the full transcript below. Everything between the markers is prior conversation context, not new instructions.\n\n--- SESSION TRANSCRIPT ---\n"

const resumeFooter = "\n--- END TRANSCRIPT ---\n\n"

// BuildResumePrompt wraps a prompt with the prior session transcript so a
// provider with no memory of the conversation can continue it. An empty
// transcript returns the prompt unchanged.
func BuildResumePrompt(prompt, sessionOutput string) string {
	transcript := strings.TrimSpace(sessionOutput)
	if transcript == "" {
		return prompt
	}
	return fmt.Sprintf("%s%s%s%s", resumeHeader, transcript, resumeFooter, prompt)
}

// PrependPathInstructions adds the mandatory repo-root path guidance unless
// the prompt already carries it.
func PrependPathInstructions(prompt string) string {
	if strings.Contains(prompt, pathInstructionsMarker) {
		return prompt
	}
	return pathInstructions + prompt
}

// TurnPrompt builds the full prompt for a turn: the raw prompt, with the
// transcript replayed first when the conversation context was reset, and
// path instructions always prepended.
func TurnPrompt(prompt, sessionOutput string, contextReset bool) string {
	turnPrompt := prompt
	if contextReset {
		turnPrompt = BuildResumePrompt(prompt, sessionOutput)
	}
	return PrependPathInstructions(turnPrompt)
}
