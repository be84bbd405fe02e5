// Command dsrctl drives a running orchestrator: it starts workflows and
// inspects their records and audit trail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	baseURL    string
	httpClient *http.Client
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var (
		serverURL string
		timeout   time.Duration
	)
	c := &client{}

	root := &cobra.Command{
		Use:          "dsrctl",
		Short:        "Command line client for the DSR Workflow Orchestration Engine",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.baseURL = strings.TrimRight(serverURL, "/")
			c.httpClient = &http.Client{Timeout: timeout}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8003", "Orchestrator base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Request timeout")

	var email, requestType string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"email": email, "request_type": requestType}
			return c.call(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/workflows/start", body)
		},
	}
	start.Flags().StringVar(&email, "email", "", "Email address of the data subject")
	start.Flags().StringVar(&requestType, "type", "access", "Request type: access or deletion")
	_ = start.MarkFlagRequired("email")

	get := &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Show a workflow record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/workflows/"+url.PathEscape(args[0]), nil)
		},
	}

	audit := &cobra.Command{
		Use:   "audit [workflow-id]",
		Short: "Show the audit log, optionally for one workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/auditlog"
			if len(args) == 1 {
				path = "/workflows/" + url.PathEscape(args[0]) + "/audit"
			}
			return c.call(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, path, nil)
		},
	}

	root.AddCommand(start, get, audit)
	return root
}

// call performs one request and pretty-prints the JSON response. Any status
// other than 200 is returned as an error after printing the body.
func (c *client) call(ctx context.Context, out io.Writer, method, path string, body any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, payload, "", "  ") == nil {
		payload = pretty.Bytes()
	}
	fmt.Fprintln(out, strings.TrimSpace(string(payload)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}
