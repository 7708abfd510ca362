package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/utilitywarehouse/mirror-sync/config"
	"github.com/utilitywarehouse/mirror-sync/giturl"
)

type GitHubEvent struct {
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		HtmlURL  string `json:"html_url"`
		CloneURL string `json:"clone_url"`
		SSHURL   string `json:"ssh_url"`
	} `json:"repository"`

	// The full git ref that was pushed. Example: refs/heads/main or refs/tags/v3.14.1.
	Ref string `json:"ref"`
	// The SHA of the most recent commit on ref before the push.
	Before string `json:"before"`
	// The SHA of the most recent commit on ref after the push.
	After string `json:"after"`
}

type GithubWebhookHandler struct {
	configs   *config.Store
	submitter submitter
	secret    string
	log       *slog.Logger
}

func (wh *GithubWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wh.log.Error("cannot read request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !wh.isValidSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		wh.log.Error("invalid signature")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")

	var payload GitHubEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		wh.log.Error("cannot unmarshal json payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The ping event is a confirmation from GitHub that
	// the webhook is configured correctly.
	if event == "ping" {
		w.Write([]byte("pong"))
		return
	}

	// only process 'push' event but return ok for all events to mark
	// successful delivery
	if event == "push" {
		wh.processPushEvent(payload)
		return
	}
}

func (wh *GithubWebhookHandler) isValidSignature(message []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(wh.computeHMAC(message, wh.secret)))
}

func (wh *GithubWebhookHandler) computeHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))

	if _, err := mac.Write(message); err != nil {
		wh.log.Error("cannot compute hmac for request", "error", err)
		return ""
	}

	// GH adds `sha256=` prefix in header value
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// processPushEvent submits a sync of every mirror of the pushed repository.
// submit doesn't block so it's done before responding.
func (wh *GithubWebhookHandler) processPushEvent(event GitHubEvent) {
	for _, m := range wh.configs.Get().Mirrors {
		if !wh.matches(m.URL, event) {
			continue
		}
		wh.log.Debug("push event received", "repo", m.ID, "ref", event.Ref)
		wh.submitter.Submit(m.ID)
	}
}

func (wh *GithubWebhookHandler) matches(mirrorURL string, event GitHubEvent) bool {
	for _, u := range []string{event.Repository.HtmlURL, event.Repository.CloneURL, event.Repository.SSHURL} {
		if u == "" {
			continue
		}
		if ok, err := giturl.SameRawURL(mirrorURL, u); err == nil && ok {
			return true
		}
	}
	return false
}
