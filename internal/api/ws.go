package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsHeartbeat    = 15 * time.Second
)

// PayoutStreamHandler holds a beneficiary connection open. While it is open the
// payout counts as live for matching, and every event of the payout is forwarded.
func (h *Handler) PayoutStreamHandler(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/ws/payouts/{ref}"
	if h.events == nil {
		h.respondError(w, method, endpoint, http.StatusServiceUnavailable, "Realtime channel not configured")
		return
	}
	ref := mux.Vars(r)["ref"]
	if _, err := h.store.GetPayoutByRef(r.Context(), ref); err != nil {
		h.fail(w, method, endpoint, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn("websocket accept failed", zap.String("payout_ref", ref), zap.Error(err))
		return
	}
	httpRequestsTotal.WithLabelValues(method, endpoint, "101").Inc()
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// the client never sends; CloseRead cancels ctx when it hangs up
	ctx := conn.CloseRead(r.Context())

	sub := h.events.Subscribe(ctx, ref)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		h.log.Warn("subscribe failed", zap.String("payout_ref", ref), zap.Error(err))
		return
	}

	connID := uuid.NewString()
	interval := wsHeartbeat
	if h.presence != nil {
		if ttl := h.presence.TTL(); ttl > 0 && ttl/3 < interval {
			interval = ttl / 3
		}
		h.touch(ctx, ref, connID)
		defer func() {
			clearCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := h.presence.Clear(clearCtx, ref, connID); err != nil {
				h.log.Warn("presence clear failed", zap.String("payout_ref", ref), zap.Error(err))
			}
		}()
	}
	beat := time.NewTicker(interval)
	defer beat.Stop()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-beat.C:
			h.touch(ctx, ref, connID)
		case m, ok := <-msgs:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, []byte(m.Payload))
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) == -1 {
					h.log.Debug("websocket write failed", zap.String("payout_ref", ref), zap.Error(err))
				}
				return
			}
		}
	}
}

func (h *Handler) touch(ctx context.Context, ref, connID string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Touch(ctx, ref, connID); err != nil {
		h.log.Warn("presence touch failed", zap.String("payout_ref", ref), zap.Error(err))
	}
}
