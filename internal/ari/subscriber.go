package ari

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// EventHandler receives decoded bus events in arrival order.
type EventHandler func(Event)

// Subscriber owns the ARI websocket connection lifecycle. On any disconnect
// or error it logs, waits and reconnects; in-flight call sessions live in the
// engine and survive reconnects.
type Subscriber struct {
	url     string
	handler EventHandler
	backoff time.Duration
}

func NewSubscriber(wsURL string, handler EventHandler) *Subscriber {
	return &Subscriber{
		url:     wsURL,
		handler: handler,
		backoff: 5 * time.Second,
	}
}

// Run blocks until ctx is cancelled, maintaining the subscription forever.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if err := s.consume(ctx); err != nil {
			log.Printf("ari connection_error err=%v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("ari connected url=%s", s.url)

	// Unblock ReadMessage when the supervisor is asked to stop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev, ok := DecodeEvent(data); ok {
			s.handler(ev)
		}
	}
}
