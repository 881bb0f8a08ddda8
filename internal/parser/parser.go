// Package parser translates reviewer comments into intended model mutations.
// Parsing is pure: no I/O, no model access. The supervisor authorizes and
// applies the returned commands against its repository's model.
package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Action identifies one recognized command verb.
type Action string

const (
	// ActionApprove approves the pull request (r+ or r=USER).
	ActionApprove Action = "approve"
	// ActionUnapprove withdraws approval (r-).
	ActionUnapprove Action = "unapprove"
	// ActionPriority sets the queue priority (p=N).
	ActionPriority Action = "priority"
	// ActionTry requests a speculative build that does not merge (try).
	ActionTry Action = "try"
	// ActionUntry clears the try flag (try-).
	ActionUntry Action = "untry"
	// ActionRollup marks the pull request for rollup batching (rollup).
	ActionRollup Action = "rollup"
	// ActionUnrollup clears the rollup flag (rollup-).
	ActionUnrollup Action = "unrollup"
	// ActionRetry moves a failed or errored pull request back to approved (retry).
	ActionRetry Action = "retry"
	// ActionForce clears the current testing state without merging (force).
	ActionForce Action = "force"
	// ActionClean drops the cached mergeability hint (clean).
	ActionClean Action = "clean"
	// ActionDelegate grants approval authority (delegate=USER or delegate+).
	ActionDelegate Action = "delegate"
	// ActionUndelegate revokes approval authority (delegate-).
	ActionUndelegate Action = "undelegate"
)

// Command is one intended mutation parsed from a comment.
type Command struct {
	Action   Action
	Approver string // approve: user credited with the approval
	SHA      string // approve: optional commit SHA the approval is pinned to
	Priority int    // priority: the new value
	Delegate string // delegate: target user; empty means the pull request author
}

// Invalid is a recognized verb that could not be parsed.
// The supervisor posts a single reply comment and applies nothing for it.
type Invalid struct {
	Token  string
	Reason string
}

var shaRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// shaOrBlank returns word lowercased if it looks like a (possibly abbreviated)
// commit SHA, otherwise the empty string.
func shaOrBlank(word string) string {
	if shaRe.MatchString(word) {
		return strings.ToLower(word)
	}
	return ""
}

// SHAMatches reports whether an abbreviated SHA refers to full. At least four
// hex digits are required, matching the original command semantics.
func SHAMatches(short, full string) bool {
	return len(short) >= 4 && strings.HasPrefix(full, short)
}

// Parse scans one comment body for commands addressed to the trigger token
// (for example "@homu"). Only lines mentioning the trigger are considered.
// Unknown words are ignored; recognized but malformed verbs are returned
// separately so the caller can reply once and change nothing.
func Parse(body, trigger, commenter string) ([]Command, []Invalid) {
	var words []string
	for _, line := range strings.Split(body, "\n") {
		if !strings.Contains(line, trigger) {
			continue
		}
		words = append(words, strings.Fields(line)...)
	}

	var cmds []Command
	var bad []Invalid
	for i := 0; i < len(words); i++ {
		word := words[i]
		switch {
		case word == "r+" || strings.HasPrefix(word, "r="):
			approver := commenter
			if strings.HasPrefix(word, "r=") {
				approver = strings.TrimPrefix(word, "r=")
				if approver == "" {
					bad = append(bad, Invalid{Token: word, Reason: "r= requires a user"})
					continue
				}
			}
			var sha string
			if i+1 < len(words) {
				if s := shaOrBlank(words[i+1]); s != "" {
					sha = s
					i++
				}
			}
			cmds = append(cmds, Command{Action: ActionApprove, Approver: approver, SHA: sha})

		case word == "r-":
			cmds = append(cmds, Command{Action: ActionUnapprove})

		case strings.HasPrefix(word, "p="):
			n, err := strconv.Atoi(strings.TrimPrefix(word, "p="))
			if err != nil {
				bad = append(bad, Invalid{Token: word, Reason: "priority must be an integer"})
				continue
			}
			cmds = append(cmds, Command{Action: ActionPriority, Priority: n})

		case word == "try":
			cmds = append(cmds, Command{Action: ActionTry})
		case word == "try-":
			cmds = append(cmds, Command{Action: ActionUntry})

		case word == "rollup":
			cmds = append(cmds, Command{Action: ActionRollup})
		case word == "rollup-":
			cmds = append(cmds, Command{Action: ActionUnrollup})

		case word == "retry":
			cmds = append(cmds, Command{Action: ActionRetry})
		case word == "force":
			cmds = append(cmds, Command{Action: ActionForce})
		case word == "clean":
			cmds = append(cmds, Command{Action: ActionClean})

		case word == "delegate+":
			cmds = append(cmds, Command{Action: ActionDelegate})
		case word == "delegate-":
			cmds = append(cmds, Command{Action: ActionUndelegate})
		case strings.HasPrefix(word, "delegate="):
			user := strings.TrimPrefix(word, "delegate=")
			if user == "" {
				bad = append(bad, Invalid{Token: word, Reason: "delegate= requires a user"})
				continue
			}
			cmds = append(cmds, Command{Action: ActionDelegate, Delegate: user})
		}
	}

	return cmds, bad
}
