package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/splax/flowmetrics/internal/ws"
)

func TestServeClosesStreamsBeforeDraining(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub()
	registered := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_ = http.NewResponseController(w).Flush()
		client := ws.NewSSEClient(w, log)
		hub.Register("p1", client)
		close(registered)
		<-client.Done()
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- serve(ctx, srv, ln, hub, log, 5*time.Second) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/v1/sse/entries")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	<-registered

	start := time.Now()
	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown waited on an open stream")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}

	// The stream ends cleanly once its handler returns.
	_, err = bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil && !strings.Contains(err.Error(), "EOF") {
		t.Fatalf("unexpected stream error: %v", err)
	}
}
