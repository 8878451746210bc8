package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"lendindexer/internal/pushbus"
)

const wsWriteTimeout = 10 * time.Second

// handleWebsocket mirrors rpc/ws.go's accept+stream shape against
// internal/pushbus instead of the chain's single POS finality stream.
// Clients select a topic via ?topic=market_updated:<id>|position_updated:
// <addr>|new_transaction[:<id>] and resume via ?cursor=<sequence>.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		http.Error(w, "topic query parameter required", http.StatusBadRequest)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	if err := s.streamTopic(r.Context(), conn, topic, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamTopic(ctx context.Context, conn *websocket.Conn, topic, cursor string) error {
	updates, cancel, backlog, err := s.bus.Subscribe(ctx, topic, cursor)
	if err != nil {
		return err
	}
	defer cancel()

	for _, update := range backlog {
		if err := writeUpdate(ctx, conn, update); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, update pushbus.Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
