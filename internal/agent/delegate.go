package agent

import "strings"

// Delegation is a hand-off request emitted by one agent for another.
// The wire shape is a three-line block that must be the model's entire
// output:
//
//	DELEGATE_TO=<agent>
//	TASK=<task, possibly multiline>
//	END_DELEGATE
type Delegation struct {
	Agent string
	Task  string
}

// ParseDelegation returns the delegation when content is exactly one
// well-formed block, nil otherwise. Partial or embedded blocks are
// treated as ordinary text so the model cannot smuggle a hand-off into
// a user-visible reply.
func ParseDelegation(content string) *Delegation {
	text := strings.TrimSpace(content)
	if !strings.HasPrefix(text, "DELEGATE_TO=") || !strings.HasSuffix(text, "END_DELEGATE") {
		return nil
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return nil
	}
	agent := strings.TrimSpace(strings.TrimPrefix(lines[0], "DELEGATE_TO="))
	if agent == "" {
		return nil
	}
	if strings.TrimSpace(lines[len(lines)-1]) != "END_DELEGATE" {
		return nil
	}

	body := strings.Join(lines[1:len(lines)-1], "\n")
	if !strings.HasPrefix(body, "TASK=") {
		return nil
	}
	task := strings.TrimSpace(strings.TrimPrefix(body, "TASK="))
	if task == "" {
		return nil
	}
	return &Delegation{Agent: agent, Task: task}
}
