package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// UsersFunc returns the managing users of a repository
type UsersFunc func(ctx context.Context, repositoryID string) []string

// Event is the body posted by Webhook
type Event struct {
	mirror.StatusChange
	ManagingUsers []string `json:"managing_users"`
}

// Webhook posts status changes as JSON to a URL
type Webhook struct {
	URL    string
	Users  UsersFunc
	Client *http.Client
	Log    *slog.Logger
}

// Run posts every change received on changes until the channel is closed or
// ctx is done.
func (wh *Webhook) Run(ctx context.Context, changes <-chan mirror.StatusChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if err := wh.Send(ctx, c); err != nil {
				wh.log().Error("unable to send status change notification", "repo", c.RepositoryID, "err", err)
			}
		}
	}
}

// Send posts a single change
func (wh *Webhook) Send(ctx context.Context, c mirror.StatusChange) error {
	ev := Event{StatusChange: c}
	if wh.Users != nil {
		ev.ManagingUsers = wh.Users(ctx, c.RepositoryID)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := wh.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification response status %d, body:%q", resp.StatusCode, msg)
	}
	return nil
}

func (wh *Webhook) log() *slog.Logger {
	if wh.Log == nil {
		return slog.Default()
	}
	return wh.Log
}
