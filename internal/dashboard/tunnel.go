package dashboard

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/config"
)

const tunnelRestartDelay = 10 * time.Second

var tunnelURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9._-]+\.(trycloudflare\.com|loca\.lt|ngrok-free\.app|ngrok\.io)\S*`)

// tunnelRunner keeps a public tunnel subprocess alive and reports the
// URL it prints on startup.
type tunnelRunner struct {
	kind   config.TunnelKind
	token  string
	port   int
	logger *slog.Logger
}

func newTunnelRunner(kind config.TunnelKind, token string, port int, logger *slog.Logger) *tunnelRunner {
	return &tunnelRunner{kind: kind, token: token, port: port, logger: logger}
}

// Run blocks, restarting the tunnel process until ctx is cancelled.
// onURL fires each time the process reports its public URL.
func (t *tunnelRunner) Run(ctx context.Context, onURL func(string)) {
	for ctx.Err() == nil {
		name, args, err := t.command()
		if err != nil {
			t.logger.Warn("tunnel unavailable", "kind", t.kind, "error", err)
			return
		}
		if err := t.runOnce(ctx, name, args, onURL); err != nil && ctx.Err() == nil {
			t.logger.Warn("tunnel exited, restarting", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(tunnelRestartDelay):
		}
	}
}

// command resolves the tunnel binary. "auto" takes the first provider
// found on PATH.
func (t *tunnelRunner) command() (string, []string, error) {
	local := fmt.Sprintf("http://127.0.0.1:%d", t.port)
	switch t.kind {
	case config.TunnelCloudflare:
		return "cloudflared", []string{"tunnel", "--url", local}, nil
	case config.TunnelLT:
		return "lt", []string{"--port", fmt.Sprint(t.port)}, nil
	case config.TunnelNgrok:
		args := []string{"http", fmt.Sprint(t.port), "--log", "stdout"}
		if t.token != "" {
			args = append(args, "--authtoken", t.token)
		}
		return "ngrok", args, nil
	case config.TunnelAuto:
		for _, kind := range []config.TunnelKind{config.TunnelCloudflare, config.TunnelLT, config.TunnelNgrok} {
			probe := tunnelRunner{kind: kind, token: t.token, port: t.port}
			name, args, _ := probe.command()
			if _, err := exec.LookPath(name); err == nil {
				return name, args, nil
			}
		}
		return "", nil, fmt.Errorf("no tunnel binary on PATH")
	default:
		return "", nil, fmt.Errorf("unknown tunnel kind %q", t.kind)
	}
}

func (t *tunnelRunner) runOnce(ctx context.Context, name string, args []string, onURL func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}
	t.logger.Info("tunnel started", "kind", t.kind, "pid", cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stdout)
		reported := false
		for scanner.Scan() {
			if reported {
				continue
			}
			if url := tunnelURLPattern.FindString(scanner.Text()); url != "" {
				reported = true
				t.logger.Info("tunnel url", "url", url)
				onURL(url)
			}
		}
	}()

	return cmd.Wait()
}
