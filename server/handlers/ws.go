package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"

	"github.com/luno/flowmap/api"
	"github.com/luno/flowmap/api/draw"
	"github.com/luno/flowmap/server/ops"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for both directions of the socket.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type pointerPayload struct {
	ID string  `json:"id,omitempty"`
	X  float64 `json:"x,omitempty"`
	Y  float64 `json:"y,omitempty"`
}

type zoomPayload struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

type livePayload struct {
	Live bool `json:"live"`
}

// WSHandler upgrades the connection and bridges it to the view session:
// frames and selection events flow out, pointer events flow in.
func WSHandler(d Deps) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx := r.Context()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error(ctx, errors.Wrap(err, "websocket upgrade"))
			return
		}
		c := newWSClient(conn, d.Session())
		go c.writeLoop()
		c.readLoop(r)
	}
}

type wsClient struct {
	conn    *websocket.Conn
	session *ops.Session

	frames chan draw.Frame
	events chan api.SelectionEvent
	done   chan struct{}
}

func newWSClient(conn *websocket.Conn, s *ops.Session) *wsClient {
	return &wsClient{
		conn:    conn,
		session: s,
		frames:  s.SubscribeFrames(),
		events:  s.SubscribeEvents(),
		done:    make(chan struct{}),
	}
}

func (c *wsClient) send(typ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal ws payload")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(wsMessage{Type: typ, Payload: b})
}

// writeLoop pushes frames and events until the socket drops. When frames
// queue up only the most recent one matters; intermediate ones are skipped.
func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			for len(c.frames) > 0 {
				f = <-c.frames
			}
			if err := c.send("frame", f); err != nil {
				return
			}
			wsFrames.Inc()
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if err := c.send("event", ev); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) readLoop(r *http.Request) {
	defer func() {
		c.session.UnsubscribeFrames(c.frames)
		c.session.UnsubscribeEvents(c.events)
		close(c.done)
	}()

	// Seed the client with the current picture.
	_ = c.send("state", c.session.ToolbarState())
	_ = c.send("frame", c.session.Frame())

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = c.send("error", map[string]string{"message": "invalid message format"})
			continue
		}
		c.handle(r, msg)
	}
}

func (c *wsClient) handle(r *http.Request, msg wsMessage) {
	ctx := r.Context()
	switch msg.Type {
	case "hover_node":
		var p pointerPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.session.HoverNode(p.ID)
		}
	case "hover_edge":
		var p pointerPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.session.HoverEdge(p.ID)
		}
	case "clear_hover":
		c.session.ClearHover()
	case "click_node":
		var p pointerPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.session.ClickNode(p.ID, p.X, p.Y)
		}
	case "click_edge":
		var p pointerPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.session.ClickEdge(p.ID, p.X, p.Y)
		}
	case "click_empty":
		c.session.ClickEmpty()
	case "zoom_end":
		var p zoomPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.session.SetViewport(ctx, draw.Viewport{X: p.X, Y: p.Y, Zoom: p.Zoom})
		}
	case "set_live":
		var p livePayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.session.SetLive(p.Live)
		}
	case "set_state":
		var st api.ToolbarState
		if json.Unmarshal(msg.Payload, &st) == nil {
			if err := c.session.ApplyToolbar(ctx, st); err != nil {
				_ = c.send("error", map[string]string{"message": err.Error()})
				return
			}
			_ = c.send("state", c.session.ToolbarState())
		}
	case "center_hub":
		c.session.CenterOnHub()
	case "refresh":
		c.session.RefreshNow(ctx)
	default:
		_ = c.send("error", map[string]string{"message": "unknown command: " + msg.Type})
	}
}
