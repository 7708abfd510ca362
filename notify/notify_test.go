package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

func change(id string, prev, next mirror.Result) mirror.StatusChange {
	return mirror.StatusChange{
		RepositoryID: id,
		Previous:     prev,
		New:          next,
		At:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher(nil)

	a := d.Subscribe(2)
	b := d.Subscribe(1)

	c1 := change("repo", mirror.ResultNotYetRun, mirror.ResultSuccess)
	c2 := change("repo", mirror.ResultSuccess, mirror.ResultFailed)
	d.Publish(c1)
	// b is full and must not block publish
	d.Publish(c2)

	if got := <-a; got != c1 {
		t.Errorf("a got %+v want %+v", got, c1)
	}
	if got := <-a; got != c2 {
		t.Errorf("a got %+v want %+v", got, c2)
	}
	if got := <-b; got != c1 {
		t.Errorf("b got %+v want %+v", got, c1)
	}

	d.Close()
	if _, ok := <-a; ok {
		t.Errorf("expected channel to be closed")
	}
	// publish and subscribe after close are safe
	d.Publish(c1)
	if _, ok := <-d.Subscribe(1); ok {
		t.Errorf("expected closed channel after Close")
	}
}

func TestWebhook(t *testing.T) {
	received := make(chan Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("unable to decode body: %v", err)
		}
		received <- ev
	}))
	defer server.Close()

	wh := &Webhook{
		URL: server.URL,
		Users: func(context.Context, string) []string {
			return []string{"arthur", "ford"}
		},
	}

	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()

	ch := make(chan mirror.StatusChange, 1)
	go wh.Run(ctx, ch)

	c := change("repo", mirror.ResultSuccess, mirror.ResultFailedUpdates)
	ch <- c

	select {
	case got := <-received:
		want := Event{StatusChange: c, ManagingUsers: []string{"arthur", "ford"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Event mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestWebhook_errorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	wh := &Webhook{URL: server.URL}
	if err := wh.Send(context.TODO(), change("repo", mirror.ResultSuccess, mirror.ResultFailed)); err == nil {
		t.Errorf("Send() expected error")
	}
}
