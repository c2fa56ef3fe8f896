package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler upgrades to a websocket and streams hub events as JSON text frames
// until the client goes away. originPatterns, when set, restricts the Origin header.
func Handler(h *Hub, originPatterns []string, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
			return
		}
		opts := &websocket.AcceptOptions{}
		if len(originPatterns) > 0 {
			opts.OriginPatterns = originPatterns
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			log.Debug("websocket accept failed", "err", err)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := h.Subscribe(64)
		defer h.Unsubscribe(sub)

		_ = wsjson.Write(ctx, conn, NewEvent(EventReady, nil))
		// CloseRead discards client frames and cancels the context once the peer closes.
		ctx = conn.CloseRead(ctx)
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "closed")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusInternalError, "write_failed")
					return
				}
			}
		}
	}
}

// OriginPatterns splits a comma-separated allowlist.
func OriginPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
