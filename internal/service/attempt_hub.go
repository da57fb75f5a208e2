package service

import (
	"assignment_backend/internal/config"
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"assignment_backend/pkg/monitoring"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 文本作答可能较长
	sendBuffer     = 64
)

// 客户端 -> 服务端
const (
	FrameAnswer   = "answer"
	FrameNavigate = "navigate"
	FrameSubmit   = "submit"
)

// 服务端 -> 客户端
const (
	FrameState     = "state"
	FrameTick      = "tick"
	FrameSaved     = "saved"
	FrameSubmitted = "submitted"
	FrameError     = "error"
)

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type answerPayload struct {
	Response json.RawMessage `json:"response"`
}

type navigatePayload struct {
	Index int `json:"index"`
}

type errorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type submittedPayload struct {
	Status   model.AttemptStatus `json:"status"`
	Answered int                 `json:"answered"`
	Total    int                 `json:"total"`
	Partial  bool                `json:"partial"`
}

// AttemptClient is one websocket connection driving one attempt session.
type AttemptClient struct {
	hub     *AttemptHub
	conn    *websocket.Conn
	session *AttemptSession
	limiter *rate.Limiter
	userID  string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *AttemptClient) push(msg WSMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		logger.Log.Error("marshal ws frame", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		// 客户端消费过慢，丢弃该帧，下一次 tick/state 会覆盖
		logger.Log.Warn("ws send buffer full, frame dropped", zap.String("type", msg.Type), zap.String("userId", c.userID))
	}
}

func (c *AttemptClient) pushError(err error) {
	c.push(WSMessage{Type: FrameError, Data: errorPayload{Code: util.StatusFor(err), Message: err.Error()}})
}

func (c *AttemptClient) pushState() {
	view, err := c.session.StudentView()
	if err != nil {
		c.pushError(err)
		return
	}
	c.push(WSMessage{Type: FrameState, Data: view})
}

func (c *AttemptClient) pushSubmitted(res *SubmitResult) {
	c.push(WSMessage{Type: FrameSubmitted, Data: submittedPayload{
		Status:   res.Attempt.Status,
		Answered: res.Answered,
		Total:    res.Total,
		Partial:  res.Partial(),
	}})
}

func (c *AttemptClient) readPump() {
	defer c.hub.release(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Error("WebSocket unexpected close", zap.Error(err), zap.String("userId", c.userID))
			}
			return
		}

		// 限流：排队等待而不是丢弃，避免最后一次编辑丢失
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.pushError(util.Validationf("malformed frame"))
			continue
		}
		c.handle(frame)
	}
}

func (c *AttemptClient) handle(frame inboundFrame) {
	switch frame.Type {
	case FrameAnswer:
		var p answerPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.pushError(util.Validationf("malformed answer frame"))
			return
		}
		resp, err := model.DecodeResponse(p.Response)
		if err != nil {
			c.pushError(util.Validationf("%v", err))
			return
		}
		if err := c.session.SetResponse(c.ctx, resp); err != nil {
			c.pushError(err)
		}

	case FrameNavigate:
		var p navigatePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.pushError(util.Validationf("malformed navigate frame"))
			return
		}
		if c.session.GoToQuestion(c.ctx, p.Index) {
			c.pushState()
		}

	case FrameSubmit:
		res, err := c.session.Submit(c.ctx, false)
		if err != nil {
			c.pushError(err)
			return
		}
		c.pushSubmitted(res)

	default:
		c.pushError(util.Validationf("unknown frame type %q", frame.Type))
	}
}

func (c *AttemptClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// AttemptHub 管理所有作答中的 websocket 连接
type AttemptHub struct {
	Attempts *AttemptService

	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*AttemptClient]struct{}
}

func NewAttemptHub(attempts *AttemptService, allowedOrigins []string) *AttemptHub {
	h := &AttemptHub{
		Attempts: attempts,
		clients:  make(map[*AttemptClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 || lo.Contains(allowedOrigins, "*") {
				return true
			}
			return lo.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Serve loads the attempt and upgrades the connection. Load errors are
// returned before the upgrade so the caller can answer with plain HTTP.
func (h *AttemptHub) Serve(w http.ResponseWriter, r *http.Request, userID, attemptID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	c := &AttemptClient{
		hub:     h,
		userID:  userID,
		limiter: rate.NewLimiter(30, 50),
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	session, err := h.Attempts.LoadAttempt(r.Context(), userID, attemptID, SessionOptions{
		OnSaved: func(questionID string, err error) {
			if err != nil {
				c.pushError(err)
				return
			}
			c.push(WSMessage{Type: FrameSaved, Data: map[string]string{"questionId": questionID}})
		},
		OnTick: func(remaining int) {
			c.push(WSMessage{Type: FrameTick, Data: map[string]int{"remaining": remaining}})
		},
		OnExpire: func(res *SubmitResult, err error) {
			if err != nil {
				c.pushError(err)
				return
			}
			c.pushSubmitted(res)
		},
	})
	if err != nil {
		cancel()
		return err
	}
	c.session = session

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		session.Close(context.Background())
		// Upgrade 已经写回了 HTTP 错误
		return nil
	}
	c.conn = conn

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	monitoring.ActiveSessions.Inc()
	logger.Log.Info("attempt session opened", zap.String("attemptId", attemptID), zap.String("userId", userID))

	c.pushState()
	session.StartTimer(ctx)

	go c.writePump()
	go c.readPump()
	return nil
}

// release tears a client down once: the buffered answer is written, the
// timer is stopped and the write pump is told to close.
func (h *AttemptHub) release(c *AttemptClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	cfg := h.Attempts.Config()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	c.session.Close(ctx)
	cancel()

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	monitoring.ActiveSessions.Dec()
	logger.Log.Info("attempt session closed", zap.String("attemptId", c.session.AttemptID()), zap.String("userId", c.userID))
}

// ApplyConfig swaps the attempt settings used by sessions opened from now on.
func (h *AttemptHub) ApplyConfig(cfg config.AttemptConfig) {
	h.Attempts.UpdateConfig(cfg)
	logger.Log.Info("attempt config reloaded",
		zap.Duration("debounce", cfg.Debounce),
		zap.Duration("tickInterval", cfg.TickInterval))
}

func (h *AttemptHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop flushes every open session and closes the connections.
func (h *AttemptHub) Stop() {
	h.mu.Lock()
	clients := lo.Keys(h.clients)
	h.mu.Unlock()

	logger.Log.Info("AttemptHub stopping", zap.Int("sessions", len(clients)))
	for _, c := range clients {
		h.release(c)
	}
	monitoring.ActiveSessions.Set(0)
}
