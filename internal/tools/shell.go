package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Command patterns denied regardless of allow-list. These guard the host the
// runtime shares with the owner's data: destructive file operations, reverse
// shells, privilege escalation, environment dumps that would leak vault
// material, and persistence tricks.
var shellDenyPatterns = []*regexp.Regexp{
	// destructive file operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// pipe-to-shell and exfiltration
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),

	// reverse shells
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bmkfifo\b`),

	// privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount|nsenter|unshare)\b`),

	// loader and shell-init injection
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|DYLD_INSERT_LIBRARIES|BASH_ENV)\s*=`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),
	regexp.MustCompile(`\bcrontab\b`),

	// environment dumps leak vault-adjacent secrets
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
}

// destructiveVerbs require an explicit entry in tools.shellAllowList.
var destructiveVerbs = []string{"rm", "mv", "chmod", "chown", "kill", "pkill", "truncate", "shred"}

func shellTool(allowList []string, workdir string) *Tool {
	return &Tool{
		Name:        "exec",
		Description: "Execute a shell command in the workspace and return its output.",
		Kind:        KindBuiltin,
		Timeout:     shellTimeout,
		Destructive: true,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command":     map[string]interface{}{"type": "string", "description": "the shell command to execute"},
				"working_dir": map[string]interface{}{"type": "string", "description": "optional working directory"},
			},
			"required": []interface{}{"command"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			command, _ := args["command"].(string)
			if command == "" {
				return ErrorResult("command is required")
			}
			for _, p := range shellDenyPatterns {
				if p.MatchString(command) {
					return ErrorResult("command denied by safety policy: matches " + p.String())
				}
			}
			if verb := destructiveVerb(command); verb != "" && !allowed(verb, allowList) {
				return ErrorResult(fmt.Sprintf("command uses %q which is not in the shell allow-list", verb))
			}

			cwd := workdir
			if wd, _ := args["working_dir"].(string); wd != "" {
				cwd = wd
			}
			return runShell(ctx, command, cwd)
		},
	}
}

func runShell(ctx context.Context, command, cwd string) *Result {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult("command timed out")
		}
		res := ErrorResult(strings.TrimSpace(out + "\n" + err.Error()))
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		return res
	}

	if out == "" {
		out = "(command completed with no output)"
	}
	res := NewResult(out)
	res.ExitCode = 0
	return res
}

// destructiveVerb returns the first destructive command word found in any
// pipeline segment, or "" when the command is benign.
func destructiveVerb(command string) string {
	for _, segment := range strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&'
	}) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		head := fields[0]
		for _, verb := range destructiveVerbs {
			if head == verb {
				return verb
			}
		}
	}
	return ""
}

func allowed(verb string, allowList []string) bool {
	for _, a := range allowList {
		if a == verb {
			return true
		}
	}
	return false
}
