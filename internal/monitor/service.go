package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"locates-desk/internal/store"
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type eventRow struct {
	ID        string `db:"event_id"`
	Type      string `db:"event_type"`
	Payload   string `db:"payload"`
	CreatedAt string `db:"created_at"`
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS desk_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_desk_events_type ON desk_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO desk_events (event_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		event.ID, string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, payload interface{}, what string) {
	if s == nil {
		return
	}
	if err := s.Record(ctx, Event{Type: typ, Timestamp: time.Now().UTC(), Payload: payload}); err != nil {
		s.logger.Warn("记录"+what+"事件失败", zap.Error(err))
	}
}

// RecordQuote 记录报价结果。
func (s *Service) RecordQuote(ctx context.Context, payload OrderPayload) {
	s.record(ctx, EventQuote, payload, "报价")
}

// RecordConfirm 记录确认结果。
func (s *Service) RecordConfirm(ctx context.Context, payload OrderPayload) {
	s.record(ctx, EventConfirm, payload, "确认")
}

// RecordCancel 记录取消。
func (s *Service) RecordCancel(ctx context.Context, payload OrderPayload) {
	s.record(ctx, EventCancel, payload, "取消")
}

// RecordEviction 记录超时淘汰。
func (s *Service) RecordEviction(ctx context.Context, payload EvictionPayload) {
	s.record(ctx, EventEviction, payload, "超时淘汰")
}

// RecordAuth 记录会话状态变更。
func (s *Service) RecordAuth(ctx context.Context, from, to string) {
	s.record(ctx, EventAuth, AuthPayload{From: from, To: to}, "会话")
}

// RecordChallenge 记录验证码提交。
func (s *Service) RecordChallenge(ctx context.Context, payload ChallengePayload) {
	s.record(ctx, EventChallenge, payload, "验证码")
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	if err == nil {
		return
	}
	s.record(ctx, EventError, ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}, "异常")
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_id, event_type, payload, created_at FROM desk_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		ts, parseErr := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if parseErr != nil {
			ts = time.Now().UTC()
		}
		events = append(events, Event{
			ID:        row.ID,
			Type:      EventType(row.Type),
			Timestamp: ts,
			Payload:   json.RawMessage(row.Payload),
		})
	}

	return events, nil
}
