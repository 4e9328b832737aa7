package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ErrNotReady is returned when the gateway reports a failing critical dependency.
var ErrNotReady = errors.New("gateway is not ready")

// ComponentStatus is one dependency reported by the gateway readiness probe.
type ComponentStatus struct {
	Name  string `json:"name"`
	State string `json:"state"` // healthy, unhealthy, degraded
}

// StatusOutput summarizes a readiness check.
type StatusOutput struct {
	Timestamp  string            `json:"timestamp"`
	Gateway    string            `json:"gateway"`
	LatencyMs  int64             `json:"latency_ms"`
	Components []ComponentStatus `json:"components"`
	Overall    string            `json:"overall"` // healthy, partial, unhealthy
}

type readiness struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func statusCommand(e *env) *cobra.Command {
	var gateway string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the gateway's dependency health",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := e.settings(cmd)
			if err != nil {
				return err
			}
			if gateway == "" {
				gateway = e.v.GetString("gateway.url")
			}
			out, ready, err := checkGateway(cmd, strings.TrimRight(gateway, "/"), s.Timeout)
			if err != nil {
				return err
			}

			p := e.printer(cmd, s)
			if p.format == "json" {
				err = p.json(out)
			} else {
				rows := make([][]string, 0, len(out.Components))
				for _, c := range out.Components {
					rows = append(rows, []string{c.Name, c.State})
				}
				rows = append(rows, []string{"overall", out.Overall})
				err = p.table([]string{"COMPONENT", "STATE"}, rows)
			}
			if err != nil {
				return err
			}
			if !ready {
				return ErrNotReady
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&gateway, "gateway-url", "", "Gateway base URL (default http://localhost:8080)")
	return cmd
}

func checkGateway(cmd *cobra.Command, gateway string, timeout time.Duration) (StatusOutput, bool, error) {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, gateway+"/v1/status/readyz", nil)
	if err != nil {
		return StatusOutput{}, false, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return StatusOutput{}, false, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var body readiness
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StatusOutput{}, false, fmt.Errorf("decode readiness response: %w", err)
	}

	out := StatusOutput{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Gateway:   gateway,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	unhealthy := 0
	for name, state := range body.Components {
		out.Components = append(out.Components, ComponentStatus{Name: name, State: state})
		if state != "healthy" {
			unhealthy++
		}
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })

	switch {
	case unhealthy == 0:
		out.Overall = "healthy"
	case unhealthy < len(out.Components):
		out.Overall = "partial"
	default:
		out.Overall = "unhealthy"
	}
	return out, resp.StatusCode == http.StatusOK, nil
}
