// Package notify 把任务事件实时推送给 WebSocket 订阅者。推送只尝试一次，写失败的连接直接移除
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"goodtape/app/logger"
	"goodtape/app/model"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla 的连接不允许并发写
}

func (s *subscriber) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// Hub 按任务 ID 管理订阅连接
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscriber]struct{}
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHub 创建推送中心
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			// 跨域由外层 CORS 处理
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.Named("hub"),
	}
}

// Serve 升级连接并订阅 jobID，先发送当前快照，之后阻塞直到客户端断开
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, jobID string, snapshot model.NotificationPayload) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket 升级失败: %w", err)
	}
	sub := &subscriber{conn: conn}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()
	h.log.Debugf("新的任务订阅: job=%s", jobID)

	defer h.remove(jobID, sub)

	if err := sub.write(snapshot); err != nil {
		return fmt.Errorf("发送任务快照失败: %w", err)
	}
	// 客户端只需要接收，读循环用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (h *Hub) remove(jobID string, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[jobID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			_ = sub.conn.Close()
		}
		if len(set) == 0 {
			delete(h.subs, jobID)
		}
	}
	h.mu.Unlock()
}

// Push 把事件发给该任务的全部订阅者，写失败的连接会被关闭
func (h *Hub) Push(ctx context.Context, payload model.NotificationPayload) error {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[payload.JobID]))
	for s := range h.subs[payload.JobID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.write(payload); err != nil {
			errs = append(errs, err)
			h.remove(payload.JobID, s)
		}
	}
	return errors.Join(errs...)
}

// Subscribers 当前订阅某任务的连接数
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID, set := range h.subs {
		for s := range set {
			_ = s.conn.Close()
		}
		delete(h.subs, jobID)
	}
}
