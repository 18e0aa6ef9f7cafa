package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/registry"
)

func TestEvents_StreamsPublishedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)

	cfg := config.Default()
	s := NewServer(Options{
		Webhook:    cfg.Webhook,
		Registry:   registry.NewHolder(registry.New(cfg)),
		Dispatcher: &mockDispatcher{},
		Hub:        hub,
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	hub.Publish(domain.Event{
		Type:        domain.EventPhaseStatus,
		RunID:       "abc123",
		Chain:       "post_build",
		Phase:       "test",
		PhaseStatus: domain.PhaseCompleted,
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got domain.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, domain.RunID("abc123"), got.RunID)
	assert.Equal(t, domain.PhaseCompleted, got.PhaseStatus)
	assert.Equal(t, "test", got.Phase)
}

func TestEvents_ClientsDroppedOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(nil) // not running
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(domain.Event{Type: domain.EventChainStatus})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
}

