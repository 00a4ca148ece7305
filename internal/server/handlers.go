package server

import (
	"bytes"
	"errors"
	"image/jpeg"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"triggercord/internal/camera"
	"triggercord/internal/config"
	"triggercord/internal/logging"
	"triggercord/internal/protocol"
	"triggercord/internal/timelapse"
)

// wsWriteTimeout はWebSocketへの1回の書き込み期限
const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 同一オリジンとlocalhostのみ許可する
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == host
		}
		return false
	},
}

// Handler はAPIエンドポイントの実装
type Handler struct {
	config  *config.Config
	manager timelapse.Manager
	monitor *camera.Monitor
	logger  *logging.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

// close は接続中のWebSocketを終了させる
func (h *Handler) close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェック応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態応答
type StatusResponse struct {
	Status     camera.Status        `json:"status"`
	Camera     string               `json:"camera"`
	Fields     map[string]string    `json:"fields"`
	Message    string               `json:"message"`
	Percent    int                  `json:"percent"`
	LastFile   string               `json:"last_file,omitempty"`
	LastJob    string               `json:"last_job,omitempty"`
	HasPreview bool                 `json:"has_preview"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Scheduler  timelapse.StatusInfo `json:"scheduler"`
	Timestamp  time.Time            `json:"timestamp"`
}

// ScheduleResponse はスケジュール作成応答
type ScheduleResponse struct {
	ID string `json:"id"`
}

// SchedulesResponse はスケジュール一覧応答
type SchedulesResponse struct {
	Schedules []timelapse.Countdown `json:"schedules"`
}

// BurstRequest は連続撮影の開始要求
type BurstRequest struct {
	Frames       int     `json:"frames" binding:"required,min=1"`
	DelaySeconds float64 `json:"delay_seconds" binding:"min=0"`
}

func errorJSON(c *gin.Context, code int, kind, message string) {
	c.JSON(code, ErrorResponse{
		Error:     kind,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// GetStatus はモニターとスケジューラの状態を返す
func (h *Handler) GetStatus(c *gin.Context) {
	st := h.monitor.Snapshot()

	c.JSON(http.StatusOK, StatusResponse{
		Status:     st.Status,
		Camera:     h.config.Camera.Address,
		Fields:     st.Fields,
		Message:    st.Message,
		Percent:    st.Percent,
		LastFile:   st.LastFile,
		LastJob:    st.LastJob,
		HasPreview: st.Preview != nil || len(st.PreviewData) > 0,
		UpdatedAt:  st.UpdatedAt,
		Scheduler:  h.manager.Status(),
		Timestamp:  time.Now(),
	})
}

// GetPreview は直近のプレビュー画像を返す
//
// デコード済みの画像があればJPEGに変換し、無ければ受信したデータをそのまま返す。
func (h *Handler) GetPreview(c *gin.Context) {
	st := h.monitor.Snapshot()

	if st.Preview != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, st.Preview, &jpeg.Options{Quality: 85}); err != nil {
			h.logger.Warn("プレビューのエンコードに失敗しました", "error", err)
			errorJSON(c, http.StatusInternalServerError, "encode_failed", "プレビューのエンコードに失敗しました")
			return
		}
		c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
		return
	}

	if len(st.PreviewData) > 0 {
		c.Data(http.StatusOK, http.DetectContentType(st.PreviewData), st.PreviewData)
		return
	}

	errorJSON(c, http.StatusNotFound, "preview_not_found", "プレビューがありません")
}

// PostPoll はステータス取得を1回実行する
func (h *Handler) PostPoll(c *gin.Context) {
	id, err := h.manager.PollOnce()
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "schedule_failed", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, ScheduleResponse{ID: id})
}

// PostCommand はパス名のコマンドを1回送る (focus / shutter / stopserver)
func (h *Handler) PostCommand(c *gin.Context) {
	var cmd protocol.Command
	switch path.Base(c.FullPath()) {
	case "focus":
		cmd = protocol.CmdFocus
	case "shutter":
		cmd = protocol.CmdShutter
	case "stopserver":
		cmd = protocol.CmdStopServer
	default:
		errorJSON(c, http.StatusNotFound, "unknown_command", "不明なコマンドです")
		return
	}

	id, err := h.manager.Fire(cmd)
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "schedule_failed", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, ScheduleResponse{ID: id})
}

// GetSchedules は全スケジュールの残り回数と残り時間を返す
func (h *Handler) GetSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, SchedulesResponse{Schedules: h.manager.Countdown()})
}

// PostBurst は連続撮影を開始する
func (h *Handler) PostBurst(c *gin.Context) {
	var req BurstRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	delay := time.Duration(req.DelaySeconds * float64(time.Second))
	id, err := h.manager.StartBurst(req.Frames, delay)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_burst", err.Error())
		return
	}
	c.JSON(http.StatusCreated, ScheduleResponse{ID: id})
}

// DeleteSchedule はスケジュールを取り消す
func (h *Handler) DeleteSchedule(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Cancel(id); err != nil {
		if errors.Is(err, timelapse.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "schedule_not_found", "指定されたスケジュールが見つかりません")
			return
		}
		errorJSON(c, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// GetEvents は進捗と結果をWebSocketで配信する
func (h *Handler) GetEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocketへの切り替えに失敗しました", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.monitor.Subscribe(camera.DefaultSubscriberBuffer)
	defer unsubscribe()

	// クライアントからの切断を検知する
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-h.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(time.Second))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("イベントの送信に失敗しました", "error", err)
				return
			}
		}
	}
}
