package advice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"backtester/internal/util"
)

// ---------------------------------------------------------------------------
// Server side
// ---------------------------------------------------------------------------

// WebsocketHandler serves an Advisor over a websocket. Each text frame from
// the client is a JSON Request; each reply is a JSON Response.
type WebsocketHandler struct {
	advisor Advisor
	log     *slog.Logger
}

// NewWebsocketHandler creates the HTTP handler.
func NewWebsocketHandler(advisor Advisor, log *slog.Logger) *WebsocketHandler {
	return &WebsocketHandler{advisor: advisor, log: log}
}

// ServeHTTP upgrades the connection and answers requests until the client
// goes away.
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.log.Debug("websocket read ended", "error", err)
			}
			return
		}

		resp := h.answer(ctx, data)
		out, err := json.Marshal(resp)
		if err != nil {
			h.log.Error("encoding advice", "error", err)
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			h.log.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (h *WebsocketHandler) answer(ctx context.Context, data []byte) Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Signal: Hold, Reason: "bad request: " + err.Error()}
	}
	sig, err := h.advisor.Advise(ctx, req)
	if err != nil {
		h.log.Warn("advisor failed", "symbol", req.Symbol, "error", err)
		return Response{Signal: Hold, Reason: err.Error()}
	}
	return Response{Signal: sig}
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Advisor = (*WebsocketClient)(nil)

var errNoReply = errors.New("advisor closed without reply")

// WebsocketClient is an Advisor backed by a websocket connection. The
// connection is dialed on first use and redialed after a failure. Requests
// are serialized over the single connection.
type WebsocketClient struct {
	url      string
	attempts int

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketClient creates a client for the advisor endpoint at url
// (ws:// or wss://).
func NewWebsocketClient(url string) *WebsocketClient {
	return &WebsocketClient{url: url, attempts: 5}
}

// Advise sends req and waits for one reply.
func (c *WebsocketClient) Advise(ctx context.Context, req Request) (Signal, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Hold, fmt.Errorf("encoding request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var resp Response
	err = util.Retry(ctx, c.attempts, 200*time.Millisecond, func() error {
		if c.conn == nil {
			conn, _, err := websocket.Dial(ctx, c.url, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", c.url, err)
			}
			c.conn = conn
		}
		if err := c.roundTrip(ctx, payload, &resp); err != nil {
			c.conn.CloseNow()
			c.conn = nil
			return err
		}
		return nil
	})
	if err != nil {
		return Hold, fmt.Errorf("advise %s: %w", req.Symbol, err)
	}
	return Parse(string(resp.Signal)), nil
}

func (c *WebsocketClient) roundTrip(ctx context.Context, payload []byte, resp *Response) error {
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return err
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return errNoReply
		}
		return err
	}
	return json.Unmarshal(data, resp)
}

// Close closes the connection if one is open.
func (c *WebsocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	return err
}
