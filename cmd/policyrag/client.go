package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/policyrag/policyrag/internal/config"
	"github.com/policyrag/policyrag/internal/ingest"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func(cfg config.Config) (*apiClient, error) {
	token, err := config.GetAPIToken(config.NewSecretStore(cfg.Data.Dir))
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is 'policyrag serve' running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// serverStatus probes the running server: health first, then an
// authenticated call to prove the local token matches.
func serverStatus(ctx context.Context, c *apiClient) (string, error) {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return "stopped", err
	}
	var health map[string]string
	if err := decodeJSON(resp, &health); err != nil {
		return "error", err
	}

	resp, err = c.get(ctx, "/interactions?user=_&limit=1")
	if err != nil {
		return "error", err
	}
	var probe []json.RawMessage
	if err := decodeJSON(resp, &probe); err != nil {
		return "running (token rejected)", err
	}
	return "running", nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, queue and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			// Still show partial status even if config fails.
			printError("config error: %v", err)
			return nil
		}

		client, err := newAPIClient(cfg)
		if err != nil {
			return err
		}
		state, err := serverStatus(cmd.Context(), client)
		if err != nil && state != "stopped" {
			printStatus("Server", "%s: %v", state, err)
		} else if state == "stopped" {
			printStatus("Server", "stopped")
		} else {
			printStatus("Server", "%s on port %d", state, cfg.Server.Port)
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		for _, st := range []string{"pending", "running", "failed"} {
			n, err := store.CountJobs(ingest.JobTypeIndexerRun, st)
			if err != nil {
				return err
			}
			printStatus("Indexer jobs "+st, "%d", n)
		}

		printStatus("Storage", "%s", configured(cfg.RequireStorage()))
		printStatus("Search", "%s", configured(cfg.RequireSearch()))
		printStatus("OpenAI", "%s", configured(cfg.RequireOpenAI()))
		if cfg.Search.IndexerName == "" {
			printStatus("Indexer", "not configured (run it manually in the Azure Portal)")
		} else {
			printStatus("Indexer", "%s", cfg.Search.IndexerName)
		}
		printStatus("Data dir", "%s", cfg.Data.Dir)
		return nil
	},
}

func configured(err error) string {
	if err != nil {
		return colorize(colorYellow, "incomplete")
	}
	return colorize(colorGreen, "configured")
}
