package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const sampleConfig = `# boardbuilder configuration
server:
  addr: ":8080"
  # Bearer token required on the ingest endpoint. Reference an environment
  # variable; never commit real tokens.
  auth_token: "${BOARDBUILDER_AUTH_TOKEN}"
  # External base URL used for artifact links in pull request comments.
  public_base_url: ""

store:
  path: "boardbuilder.db"

queue:
  workers: 1
  idle_poll_interval: "5s"
  max_retries: 3
  backoff_base: "1s"
  backoff_cap: "30s"
  max_attempt_duration: "20m"
  sweep_interval: "60s"

build:
  # Empty means the system temp directory.
  workspace_root: ""
  max_archive_bytes: 104857600
  compiler_command: ["tsci-eval"]
  compile_timeout: "120s"
  fetch_strategy: "archive"
  # Optional doublestar globs narrowing circuit discovery, e.g. ["boards/**"].
  include_patterns: []

provider:
  api_url: "https://api.github.com"
  base_url: "https://github.com"
  # Credential handles referenced by ingest requests. Values are resolved
  # from the environment at load time and are never written to the store.
  credentials:
    bot: "${BOARDBUILDER_BOT_TOKEN}"
  bot_credential: "bot"

events:
  enabled: false
  nats_url: "nats://localhost:4222"
  subject_prefix: "boardbuilder"

metrics:
  enabled: true

logging:
  level: "info"
`

// runInit writes a starter configuration file.
func runInit(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	if err := os.WriteFile(configPath, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

// runStatus queries a running daemon for a job's status and prints the
// response.
func runStatus(serverBase, jobID string) error {
	endpoint := strings.TrimSuffix(serverBase, "/") + "/api/v1/status?jobId=" + url.QueryEscape(jobID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("query server: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %v", resp.Status, body["error"])
	}

	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
