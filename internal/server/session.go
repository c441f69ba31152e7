package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
	"github.com/iujab/vm-terminal-sub000/internal/events"
	"github.com/iujab/vm-terminal-sub000/internal/usecase"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 54 * time.Second
	wsSendBuffer  = 256
	wsMaxReadSize = 1 << 20
)

// Request is one client message on the control channel. Only the fields
// the named type uses are read.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Source    string          `json:"source,omitempty"`
	TimeoutMs *int64          `json:"timeoutMs,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	ActionID  string          `json:"actionId,omitempty"`
	Action    json.RawMessage `json:"action,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Name      string          `json:"name,omitempty"`
	StartURL  string          `json:"startUrl,omitempty"`
	ID        string          `json:"id,omitempty"`
	Format    string          `json:"format,omitempty"`
	Speed     float64         `json:"speed,omitempty"`
}

// Reply fields are merged into {"type": "<request>Result", "requestId"}.
type Reply map[string]any

// session is one WebSocket connection.
type session struct {
	server *Server
	conn   *websocket.Conn
	send   chan any
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context ends with the handler, so sessions get their own
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		server: s,
		conn:   conn,
		send:   make(chan any, wsSendBuffer),
		logger: s.logger.With(zap.String("remote_addr", r.RemoteAddr)),
		ctx:    ctx,
		cancel: cancel,
	}
	sess.logger.Info("control channel connected")

	var sub *events.Subscription
	if s.deps.Bus != nil {
		sub = s.deps.Bus.Subscribe(func(e events.Event) { sess.push(e) })
	}

	go sess.writePump()
	go func() {
		sess.readPump()
		if sub != nil {
			sub.Close()
		}
	}()
}

// push queues a message unless the session has ended.
func (c *session) push(msg any) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func (c *session) close() {
	c.once.Do(func() {
		c.cancel()
		c.logger.Info("control channel closed")
	})
}

func (c *session) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			c.push(Reply{"type": "error", "error": "malformed message"})
			continue
		}
		c.push(c.server.dispatch(c.ctx, req, c.push))
	}
}

func (c *session) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// dispatch runs one request and returns its reply. Asynchronous action
// results are delivered later through push.
func (s *Server) dispatch(ctx context.Context, req Request, push func(any)) Reply {
	var reply Reply
	switch req.Type {
	case "controlRequest":
		reply = s.controlRequest(req)
	case "controlRelease":
		reply = s.withActor(req, func(a domain.Actor) Reply {
			ok, reason := s.deps.Coordinator.ReleaseLock(a)
			return outcome(ok, reason)
		})
	case "setControlMode":
		reply = s.withActor(req, func(a domain.Actor) Reply {
			mode := domain.ControlMode(req.Mode)
			if !mode.Valid() {
				return failure(fmt.Errorf("unknown control mode %q", req.Mode))
			}
			ok, reason := s.deps.Coordinator.SetMode(mode, a)
			return outcome(ok, reason)
		})
	case "getControlState":
		reply = Reply{"state": s.deps.Coordinator.State()}
	case "cancelAction":
		reply = s.withActor(req, func(a domain.Actor) Reply {
			ok, reason := s.deps.Coordinator.CancelAction(req.ActionID, a)
			return outcome(ok, reason)
		})
	case "submitAction":
		reply = s.submitAction(ctx, req, push)
	case "getHistory":
		reply = Reply{"history": s.deps.Coordinator.History(0)}

	case "startRecording":
		reply = s.startRecording(req)
	case "stopRecording":
		rec, err := s.deps.Recorder.StopRecording()
		reply = result(func() Reply { return Reply{"recording": rec.Summary()} }, err)
	case "listRecordings":
		list, err := s.deps.Recorder.ListRecordings()
		reply = result(func() Reply { return Reply{"recordings": list} }, err)
	case "deleteRecording":
		deleted, err := s.deps.Recorder.DeleteRecording(req.ID)
		reply = result(func() Reply { return Reply{"deleted": deleted} }, err)
	case "exportRecording":
		reply = s.exportRecording(req)

	case "playRecording":
		speed := req.Speed
		if speed == 0 {
			speed = 1
		}
		reply = playback(s.deps.Player.StartPlayback(req.ID, speed))
	case "pausePlayback":
		reply = playback(s.deps.Player.PausePlayback())
	case "resumePlayback":
		reply = playback(s.deps.Player.ResumePlayback())
	case "stopPlayback":
		reply = playback(s.deps.Player.StopPlayback())
	case "setPlaybackSpeed":
		reply = playback(s.deps.Player.SetPlaybackSpeed(req.Speed))
	case "stepForward":
		reply = playback(s.deps.Player.StepForward())
	case "getPlaybackState":
		st, ok := s.deps.Player.State()
		reply = Reply{"playing": ok}
		if ok {
			reply["state"] = st
		}

	default:
		return Reply{"type": "error", "requestId": req.RequestID, "error": fmt.Sprintf("unknown message type %q", req.Type)}
	}

	reply["type"] = req.Type + "Result"
	if req.RequestID != "" {
		reply["requestId"] = req.RequestID
	}
	return reply
}

func (s *Server) withActor(req Request, fn func(domain.Actor) Reply) Reply {
	actor, err := domain.ParseActor(req.Source)
	if err != nil {
		return failure(err)
	}
	return fn(actor)
}

func (s *Server) controlRequest(req Request) Reply {
	return s.withActor(req, func(a domain.Actor) Reply {
		var timeout time.Duration
		if req.TimeoutMs != nil {
			timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
			if timeout == 0 {
				// An explicit zero is a zero-length lock, not the default
				timeout = -1
			}
		}
		ok, reason := s.deps.Coordinator.RequestLock(a, timeout)
		r := outcome(ok, reason)
		r["granted"] = ok
		r["state"] = s.deps.Coordinator.State()
		return r
	})
}

func (s *Server) submitAction(ctx context.Context, req Request, push func(any)) Reply {
	actor, err := domain.ParseActor(req.Source)
	if err != nil {
		return failure(err)
	}
	if len(req.Action) == 0 {
		return failure(errors.New("action is required"))
	}
	action, err := domain.DecodeAction(req.Action)
	if err != nil {
		return failure(err)
	}

	sub := s.deps.Coordinator.Submit(actor, action, usecase.SubmitOptions{
		Priority: domain.PriorityClass(req.Priority),
	})
	if !sub.Accepted {
		return Reply{"accepted": false, "reason": sub.Reason}
	}

	go func() {
		select {
		case res := <-sub.Result:
			msg := Reply{
				"type":     "actionResult",
				"actionId": sub.ActionID,
				"success":  res.Success,
			}
			if res.Error != "" {
				msg["error"] = res.Error
			}
			if req.RequestID != "" {
				msg["requestId"] = req.RequestID
			}
			push(msg)
		case <-ctx.Done():
		}
	}()
	return Reply{"accepted": true, "actionId": sub.ActionID}
}

func (s *Server) startRecording(req Request) Reply {
	startURL := req.StartURL
	if startURL == "" && s.deps.StartURL != nil {
		startURL = s.deps.StartURL()
	}
	rec, err := s.deps.Recorder.StartRecording(req.Name, startURL)
	if err != nil {
		return failure(err)
	}
	return Reply{"success": true, "recordingId": rec.ID, "name": rec.Name}
}

func (s *Server) exportRecording(req Request) Reply {
	rec, err := s.deps.Recorder.GetRecording(req.ID)
	if err != nil {
		return failure(err)
	}
	format := req.Format
	if format == "" {
		format = "json"
	}
	out, err := s.deps.Formats.Export(rec, format)
	if err != nil {
		return failure(err)
	}
	return Reply{"success": true, "format": format, "content": out}
}

func outcome(ok bool, reason string) Reply {
	r := Reply{"success": ok}
	if !ok {
		r["reason"] = reason
	}
	return r
}

func failure(err error) Reply {
	return Reply{"success": false, "error": err.Error()}
}

func result(fn func() Reply, err error) Reply {
	if err != nil {
		return failure(err)
	}
	r := fn()
	r["success"] = true
	return r
}

func playback(st domain.PlaybackState, err error) Reply {
	if err != nil {
		return failure(err)
	}
	return Reply{"success": true, "state": st}
}
