package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/agentpool/pkg/health"
	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/types"
)

// httpAgent implements instance.Agent against a worker process speaking
// the pool's HTTP contract: POST /chat (newline-delimited JSON event
// stream), GET /health, POST /shutdown. This is the "acceptable fallback"
// transport the external interface spec allows in place of a bespoke RPC
// protocol.
type httpAgent struct {
	baseURL string
	client  *http.Client
}

func newHTTPAgent(baseURL string) *httpAgent {
	return &httpAgent{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 0},
	}
}

type chatEventWire struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func (a *httpAgent) Stream(ctx context.Context, prompt string) (<-chan instance.ChatEvent, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("backend: marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("backend: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("backend: chat request returned status %d", resp.StatusCode)
	}

	out := make(chan instance.ChatEvent, 8)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var wire chatEventWire
			if err := json.Unmarshal(line, &wire); err != nil {
				out <- instance.ChatEvent{Kind: "error", Err: err}
				return
			}
			ev := instance.ChatEvent{Kind: wire.Kind, Content: wire.Content}
			if wire.Error != "" {
				ev.Err = fmt.Errorf("%s", wire.Error)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if wire.Kind == "final" || wire.Kind == "error" {
				return
			}
		}
	}()
	return out, nil
}

// Health probes the worker's /health endpoint via the shared HTTP checker
// rather than hand-rolling the request, so every backend's liveness probe
// behaves identically.
func (a *httpAgent) Health(ctx context.Context) (types.HealthCheckResult, error) {
	checker := health.NewHTTPChecker(a.baseURL + "/health").WithTimeout(a.client.Timeout)
	result := checker.Check(ctx)
	out := types.HealthCheckResult{
		Healthy:   result.Healthy,
		LatencyMS: float64(result.Duration.Microseconds()) / 1000.0,
		CheckedAt: result.CheckedAt,
	}
	if !result.Healthy {
		out.Error = result.Message
	}
	return out, nil
}

func (a *httpAgent) Shutdown(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/shutdown", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: shutdown request: %w", err)
	}
	defer resp.Body.Close()
	return nil
}
