// Package sse frames a run's payload subscription as a server-sent event
// stream. Each payload becomes one SSE frame: the event name is the payload
// type and the data line its JSON body. Periodic comment lines keep idle
// connections alive through proxies.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openletter/writingdesk/runtime/orchestrator/buffer"
	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
)

// KeepAliveInterval is the cadence of comment frames while the run is quiet.
const KeepAliveInterval = 15 * time.Second

type nextResult struct {
	p   payload.Payload
	ok  bool
	err error
}

// Serve streams the subscription to the client until end-of-stream, client
// disconnect or ctx cancellation.
func Serve(ctx context.Context, w http.ResponseWriter, sub *buffer.Subscription) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	next := make(chan nextResult)
	go pump(ctx, sub, next)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case r := <-next:
			if r.err != nil {
				return r.err
			}
			if !r.ok {
				return nil
			}
			if err := writeFrame(w, r.p); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, p payload.Payload) error {
	body, err := json.Marshal(p.Body())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", p.Type(), body)
	return err
}

func pump(ctx context.Context, sub *buffer.Subscription, out chan<- nextResult) {
	for {
		p, ok, err := sub.Next(ctx)
		select {
		case out <- nextResult{p, ok, err}:
		case <-ctx.Done():
			return
		}
		if !ok || err != nil {
			return
		}
	}
}
