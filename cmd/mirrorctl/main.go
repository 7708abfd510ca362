package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/utilitywarehouse/mirror-sync/mirror"
	"gopkg.in/yaml.v3"
)

var (
	log = slog.Default()
)

// statusResponse mirrors the body of the status endpoint
type statusResponse struct {
	RepositoryID string        `json:"repository_id" yaml:"repository_id"`
	Status       mirror.Status `json:"status" yaml:"status"`
	Running      bool          `json:"running" yaml:"running"`
	NextSync     *time.Time    `json:"next_sync,omitempty" yaml:"next_sync,omitempty"`
}

type client struct {
	server string
	user   string
	http   *http.Client
}

func main() {
	cmd := &cli.Command{
		Name:  "mirrorctl",
		Usage: "query and trigger mirror-sync mirrors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:9001",
				Usage:   "mirror-sync server address",
				Sources: cli.EnvVars("MIRRORCTL_SERVER"),
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "user name sent to the server as remote user",
				Sources: cli.EnvVars("MIRRORCTL_USER", "USER"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "request timeout",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "print current status of the mirror",
				ArgsUsage: "<repository-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := repositoryID(cmd)
					if err != nil {
						return err
					}
					var resp statusResponse
					if err := newClient(cmd).get(ctx, "/mirrors/status/", id, &resp); err != nil {
						return err
					}
					return printYAML(cmd.Root().Writer, resp)
				},
			},
			{
				Name:      "logs",
				Usage:     "print sync log of the mirror, newest first",
				ArgsUsage: "<repository-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := repositoryID(cmd)
					if err != nil {
						return err
					}
					var entries []mirror.LogEntry
					if err := newClient(cmd).get(ctx, "/mirrors/logs/", id, &entries); err != nil {
						return err
					}
					for _, e := range entries {
						fmt.Fprintf(cmd.Root().Writer, "%s %s (%s)\n", e.Started.Format(time.RFC3339), e.Result, e.Duration)
						for _, l := range e.Lines {
							fmt.Fprintf(cmd.Root().Writer, "    %s\n", l)
						}
					}
					return nil
				},
			},
			{
				Name:      "sync",
				Usage:     "request an immediate sync of the mirror",
				ArgsUsage: "<repository-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := repositoryID(cmd)
					if err != nil {
						return err
					}
					if err := newClient(cmd).post(ctx, "/mirrors/sync/", id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "sync of %s requested\n", id)
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func repositoryID(cmd *cli.Command) (string, error) {
	id := strings.Trim(cmd.Args().First(), "/")
	if id == "" {
		return "", fmt.Errorf("repository id is required")
	}
	return id, nil
}

func newClient(cmd *cli.Command) *client {
	return &client{
		server: strings.TrimSuffix(cmd.Root().String("server"), "/"),
		user:   cmd.Root().String("user"),
		http:   &http.Client{Timeout: cmd.Root().Duration("timeout")},
	}
}

func (c *client) get(ctx context.Context, route, id string, v any) error {
	body, err := c.do(ctx, http.MethodGet, route, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unable to decode response err:%w", err)
	}
	return nil
}

func (c *client) post(ctx context.Context, route, id string) error {
	_, err := c.do(ctx, http.MethodPost, route, id)
	return err
}

func (c *client) do(ctx context.Context, method, route, id string) ([]byte, error) {
	// ids contain "/" which must be kept as path separator
	u, err := url.JoinPath(c.server, route, id)
	if err != nil {
		return nil, fmt.Errorf("invalid server address err:%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.Header.Set("X-Remote-User", c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read response err:%w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, u, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}
