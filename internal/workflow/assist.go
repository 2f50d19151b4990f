// Package workflow orchestrates the git-heavy session flows: assisted
// rebases, auto-commits, and the squash-merge pipeline. Conflict resolution
// is delegated to the agent itself through bounded assist loops.
package workflow

import (
	"fmt"
	"strings"
)

// AssistPolicy bounds one assisted recovery loop.
type AssistPolicy struct {
	// MaxAttempts is the attempt budget before hard failure.
	MaxAttempts int
	// MaxIdenticalFailureStreak is how many consecutive identical failure
	// fingerprints are tolerated before failing fast.
	MaxIdenticalFailureStreak int
}

var (
	rebaseAssistPolicy = AssistPolicy{
		MaxAttempts: 3,
		// Two identical conflict states in a row means the agent is not
		// making progress; stop early instead of burning the budget.
		MaxIdenticalFailureStreak: 1,
	}
	autoCommitAssistPolicy = AssistPolicy{
		MaxAttempts:               10,
		MaxIdenticalFailureStreak: 3,
	}
)

// FailureTracker detects non-progressing assist loops by counting
// consecutive identical failure fingerprints.
type FailureTracker struct {
	maxStreak int
	previous  string
	streak    int
}

// NewFailureTracker creates a tracker with the given tolerated streak.
func NewFailureTracker(maxStreak int) *FailureTracker {
	return &FailureTracker{maxStreak: maxStreak}
}

// Observe records one failure fingerprint and reports whether the
// identical-failure streak exceeded the limit. An empty fingerprint resets
// the streak.
func (t *FailureTracker) Observe(fingerprint string) bool {
	normalized := strings.ToLower(strings.TrimSpace(fingerprint))
	if normalized == "" {
		t.previous = ""
		t.streak = 0
		return false
	}
	if normalized == t.previous {
		t.streak++
	} else {
		t.previous = normalized
		t.streak = 1
	}
	return t.streak > t.maxStreak
}

// FormatDetailLines renders newline-separated detail as "- item" bullet
// lines for display in session output and prompts.
func FormatDetailLines(detail string) string {
	var bullets []string
	for _, line := range strings.Split(detail, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		bullets = append(bullets, "- "+line)
	}
	return strings.Join(bullets, "\n")
}

const rebaseAssistPromptTemplate = `A rebase onto %s stopped with merge conflicts in the following files:

%s

Resolve every conflict by editing the files directly:
- Remove all conflict markers (<<<<<<<, =======, >>>>>>>).
- Keep both sides' intent where possible; prefer the incoming base branch changes when the two sides are genuinely incompatible.
- Do not run "git rebase --continue", "git rebase --abort", or any other rebase command; only edit the files.`

func rebaseAssistPrompt(baseBranch string, conflictedFiles []string) string {
	return fmt.Sprintf(rebaseAssistPromptTemplate, baseBranch, FormatDetailLines(strings.Join(conflictedFiles, "\n")))
}

const autoCommitAssistPromptTemplate = `Committing the working tree failed with the following error:

%s

Fix whatever is blocking the commit (for example formatter or lint failures reported by a pre-commit hook) by editing the files, then stop. Do not run git commands yourself; the commit will be retried automatically.`

func autoCommitAssistPrompt(commitError string) string {
	return fmt.Sprintf(autoCommitAssistPromptTemplate, strings.TrimSpace(commitError))
}

const mergeCommitMessagePromptTemplate = `Write a commit message for the following squash-merge diff.

Respond with only a JSON object of this exact shape, no prose before or after:
{"title": "<imperative summary, at most 72 characters>", "description": "<short bullet list of the main changes>"}

Diff:

%s`

func mergeCommitMessagePrompt(diff string) string {
	return fmt.Sprintf(mergeCommitMessagePromptTemplate, diff)
}

// assistHeader renders the attempt banner appended to session output before
// each assist run.
func assistHeader(label string, attempt, maxAttempts int, action, detail string) string {
	return fmt.Sprintf("\n[%s Assist] Attempt %d/%d. %s\n%s\n", label, attempt, maxAttempts, action, detail)
}
