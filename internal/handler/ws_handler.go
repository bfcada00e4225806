package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hitoshi/vibex/internal/client"
	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	replyBuffer    = 16
)

// websocketで送るフレーム種別
const (
	FrameSnapshot = "snapshot"
	FrameReply    = "reply"
	FrameSession  = "session"
	FrameError    = "error"
)

// Frame はサーバーからブラウザへ送るメッセージ。
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ConnectionProvider は1接続分の認証状態。auth.ConnectionProviderが実装する。
type ConnectionProvider interface {
	session.Provider
	Restore(ctx context.Context, accessToken, refreshToken string)
	Close()
}

// ConnectionObserver はwebsocket接続とコマンドの計測を受け取る。
type ConnectionObserver interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordCommand(cmdType string, ok bool)
}

// WSHandlerConfig はwebsocketハンドラーの設定。
type WSHandlerConfig struct {
	AllowedOrigin string
	NewProvider   func() ConnectionProvider
	Services      client.Services
	Observer      ConnectionObserver
}

// WSHandler は1接続ごとにclient.Clientを動かすwebsocketハンドラー。
// ブラウザからはコマンドを受け取り、表示内容が変わるたびにスナップショットを送る。
type WSHandler struct {
	config   WSHandlerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWSHandler はWSHandlerを生成する。
func NewWSHandler(config WSHandlerConfig, logger *slog.Logger) *WSHandler {
	h := &WSHandler{
		config:  config,
		logger:  logger,
		closing: make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// checkOrigin はOriginヘッダーが許可オリジンと一致するかを検証する。
// Originのないクライアント（ブラウザ以外）は許可する。
func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.config.AllowedOrigin
}

// Close は全ての接続を終了し、終了を待つ。
func (h *WSHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
	h.wg.Wait()
}

// ServeHTTP はwebsocketにアップグレードし、接続が終わるまでブロックする。
// GET /ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closing:
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewInternalError())
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Warn("websocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	provider := h.config.NewProvider()
	provider.Restore(ctx, middleware.AccessToken(r), refreshToken(r))

	c := &wsConnection{
		id:       uuid.NewString(),
		conn:     conn,
		client:   client.New(provider, h.config.Services, h.logger),
		observer: h.config.Observer,
		logger:   h.logger,
		replies:  make(chan Frame, replyBuffer),
	}
	c.logger = h.logger.With(slog.String("conn_id", c.id))

	if h.config.Observer != nil {
		h.config.Observer.ConnectionOpened()
		defer h.config.Observer.ConnectionClosed()
	}
	c.logger.Info("websocket接続を開始しました", slog.String("remote", middleware.ClientIP(r)))

	c.client.Start(ctx)

	go func() {
		select {
		case <-h.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		c.readPump(ctx)
	}()
	c.writePump(ctx)
	cancel()
	_ = conn.Close()
	<-readDone

	c.client.Close()
	provider.Close()
	c.logger.Info("websocket接続を終了しました")
}

// wsConnection は1接続分のポンプを保持する。
type wsConnection struct {
	id       string
	conn     *websocket.Conn
	client   *client.Client
	observer ConnectionObserver
	logger   *slog.Logger

	replies     chan Frame
	lastAccess  string
	sentSession bool
}

// readPump はブラウザからのコマンドを順に処理する。
// コマンドは1接続につき直列に実行する。
func (c *wsConnection) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocketが予期せず切断されました", slog.String("error", err.Error()))
			}
			return
		}

		var cmd client.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			body := middleware.NewErrorResponseBody(model.NewBadRequestError("コマンドを解析できません"))
			if !c.enqueue(ctx, Frame{Type: FrameError, Data: body}) {
				return
			}
			continue
		}

		reply := c.client.Handle(ctx, cmd)
		if c.observer != nil {
			c.observer.RecordCommand(cmd.Type, reply.OK)
		}
		if !reply.OK && reply.Error != nil {
			c.logger.Debug("コマンドが失敗しました",
				slog.String("type", cmd.Type),
				slog.String("code", reply.Error.Code),
			)
		}
		if !c.enqueue(ctx, Frame{Type: FrameReply, Data: reply}) {
			return
		}
	}
}

func (c *wsConnection) enqueue(ctx context.Context, f Frame) bool {
	select {
	case c.replies <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// writePump はスナップショット、コマンド結果、セッション更新とpingを書き込む。
func (c *wsConnection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case f := <-c.replies:
			if err := c.write(f); err != nil {
				return
			}

		case <-c.client.Updates():
			if err := c.writeSessionIfChanged(); err != nil {
				return
			}
			if err := c.write(Frame{Type: FrameSnapshot, Data: c.client.Snapshot()}); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeSessionIfChanged はトークンが変わった場合にブラウザへ送る。
// ブラウザはPOST /auth/sessionでCookieに反映する。未ログインになった場合はnullを送る。
func (c *wsConnection) writeSessionIfChanged() error {
	tokens := c.client.Tokens()
	access := ""
	if tokens != nil {
		access = tokens.AccessToken
	}
	if c.sentSession && access == c.lastAccess {
		return nil
	}
	c.sentSession = true
	c.lastAccess = access
	return c.write(Frame{Type: FrameSession, Data: tokens})
}

func (c *wsConnection) write(f Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(f); err != nil {
		c.logger.Debug("websocketへの書き込みに失敗しました", slog.String("error", err.Error()))
		return err
	}
	return nil
}
