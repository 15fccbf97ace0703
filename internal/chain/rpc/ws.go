package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

const wsWriteWait = 10 * time.Second

// SignatureWatcher waits for transaction confirmation over the node's
// pub/sub socket.
type SignatureWatcher struct {
	url        string
	commitment string
	dialer     *websocket.Dialer
}

// NewSignatureWatcher creates a watcher for the node websocket at url.
func NewSignatureWatcher(url, commitment string) *SignatureWatcher {
	if commitment == "" {
		commitment = "confirmed"
	}
	return &SignatureWatcher{
		url:        url,
		commitment: commitment,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Result struct {
			Value struct {
				Err json.RawMessage `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// Wait blocks until sig reaches the watcher's commitment and returns the
// transaction's embedded error, which is "null" on success.
func (w *SignatureWatcher) Wait(ctx context.Context, sig string) (json.RawMessage, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc/ws: dial: %w: %w", domain.ErrTransient, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params:  []any{sig, map[string]any{"commitment": w.commitment}},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(sub); err != nil {
		return nil, fmt.Errorf("rpc/ws: subscribe: %w: %w", domain.ErrTransient, err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("rpc/ws: read: %w: %w", domain.ErrTransient, err)
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("rpc/ws: decode: %w", err)
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("rpc/ws: %w", msg.Error)
		}
		if msg.Method == "signatureNotification" {
			e := msg.Params.Result.Value.Err
			if len(e) == 0 {
				e = json.RawMessage("null")
			}
			return e, nil
		}
	}
}
