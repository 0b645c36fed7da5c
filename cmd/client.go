package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/config"
)

// daemonClient talks to a running qclaw's dashboard API from the CLI.
type daemonClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// dialDaemon locates the running daemon via the persisted dashboard URL
// and the configured auth token.
func dialDaemon() (*daemonClient, error) {
	dir := config.Dir()
	raw, err := os.ReadFile(config.DashboardURLPath(dir))
	if err != nil {
		return nil, fmt.Errorf("no running daemon found (start with: qclaw)")
	}
	url := strings.TrimSpace(string(raw))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if cfg.Dashboard.AuthToken == "" {
		return nil, fmt.Errorf("no dashboard token in config")
	}
	return &daemonClient{
		baseURL: url,
		token:   cfg.Dashboard.AuthToken,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *daemonClient) do(method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
