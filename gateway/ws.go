package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/devdost/wsync/event"
	"github.com/devdost/wsync/syncbus"
	"github.com/devdost/wsync/workspace"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8 << 20
)

// Frame types.
const (
	FrameHello = "hello"
	FrameEvent = "event"
	FrameAck   = "ack"
	FrameError = "error"

	FrameUpdateFile = "update_file"
	FrameCreateFile = "create_file"
	FrameDeleteFile = "delete_file"
	FrameRenameFile = "rename_file"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // The gateway is meant for local tools and browsers
	},
}

// ServerFrame is sent from the gateway to a client.
type ServerFrame struct {
	Type      string                    `json:"type"`
	ClientID  string                    `json:"client_id,omitempty"`
	Project   string                    `json:"project,omitempty"`
	Files     []workspace.WorkspaceFile `json:"files,omitempty"`
	Event     *event.Event              `json:"event,omitempty"`
	RequestID string                    `json:"request_id,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Status    int                       `json:"status,omitempty"`
}

// ClientFrame is a mutation request sent by a client.
type ClientFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Project   string `json:"project,omitempty"`
	Path      string `json:"path,omitempty"`
	OldPath   string `json:"old_path,omitempty"`
	NewPath   string `json:"new_path,omitempty"`
	Content   string `json:"content"`
}

type wsClient struct {
	id      string
	project string
	conn    *websocket.Conn
	sub     *syncbus.Subscription
	replies chan ServerFrame
	done    chan struct{} // closed when the read side is finished
	stopped chan struct{} // closed when writePump returns
	server  *Server
}

// handleWebSocket subscribes the connection on the bus and then pumps events
// out and mutation frames in. Query parameters: project scopes the
// subscription, client picks the subscriber id (a uuid otherwise).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	project := r.URL.Query().Get("project")
	if project != "" && !s.svc.ProjectExists(project) {
		s.writeError(w, r, fmt.Errorf("%w: %s", workspace.ErrProjectNotFound, project))
		return
	}

	id := r.URL.Query().Get("client")
	if id == "" {
		id = uuid.NewString()
	}
	sub, err := s.bus.SubscribeAs(id, project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.bus.Unsubscribe(id)
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		id:      id,
		project: project,
		conn:    conn,
		sub:     sub,
		replies: make(chan ServerFrame, 16),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		server:  s,
	}

	hello := ServerFrame{Type: FrameHello, ClientID: id, Project: project}
	if project != "" {
		files, err := s.svc.Snapshot(r.Context(), project)
		if err != nil {
			s.logger.Warn("snapshot failed", zap.String("project", project), zap.Error(err))
		}
		hello.Files = files
	}
	c.replies <- hello

	s.logger.Info("client connected", zap.String("client", id), zap.String("project", project))

	go c.writePump()
	c.readPump()

	s.bus.Unsubscribe(id)
	close(c.done)
	s.logger.Info("client disconnected", zap.String("client", id), zap.Uint64("dropped", sub.Dropped()))
}

// readPump pumps mutation frames from the connection into the workspace.
func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reply(ServerFrame{Type: FrameError, Error: "malformed frame: " + err.Error(), Status: http.StatusBadRequest})
			continue
		}

		if err := c.handleFrame(&frame); err != nil {
			c.reply(ServerFrame{Type: FrameError, RequestID: frame.RequestID, Error: err.Error(), Status: statusFor(err)})
			continue
		}
		c.reply(ServerFrame{Type: FrameAck, RequestID: frame.RequestID})
	}
}

func (c *wsClient) handleFrame(frame *ClientFrame) error {
	project := frame.Project
	if project == "" {
		project = c.project
	}
	if project == "" {
		return fmt.Errorf("%w: frame names no project", errBadRequest)
	}
	if c.project != "" && project != c.project {
		return fmt.Errorf("%w: connection is scoped to project %s", errBadRequest, c.project)
	}

	ctx := context.Background()
	svc := c.server.svc

	switch frame.Type {
	case FrameUpdateFile, FrameCreateFile:
		_, err := svc.WriteFile(ctx, project, frame.Path, frame.Content, c.id)
		return err
	case FrameDeleteFile:
		return svc.DeleteFile(ctx, project, frame.Path, c.id)
	case FrameRenameFile:
		return svc.RenameFile(ctx, project, frame.OldPath, frame.NewPath, c.id)
	default:
		return fmt.Errorf("%w: unknown frame type %q", errBadRequest, frame.Type)
	}
}

func (c *wsClient) reply(f ServerFrame) {
	select {
	case c.replies <- f:
	case <-c.stopped:
	}
}

// writePump is the only writer of the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				// Unsubscribed: the bus closed or the project was deleted.
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"))
				return
			}
			if err := c.write(ServerFrame{Type: FrameEvent, Event: &ev}); err != nil {
				return
			}

		case f := <-c.replies:
			if err := c.write(f); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *wsClient) write(f ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		c.server.logger.Error("failed to marshal frame", zap.Error(err))
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.server.logger.Debug("websocket write failed", zap.String("client", c.id), zap.Error(err))
		}
		return err
	}
	return nil
}
