package session

import (
	"strconv"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusError  Status = "error"
)

// Session is the operational record of one streaming session. It carries
// counts and timestamps only, never transcript or reply text.
type Session struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connection_id"`
	Status       Status     `json:"status"`
	Turns        int64      `json:"turns"`
	Errors       int64      `json:"errors"`
	StartedAt    time.Time  `json:"started_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func (s *Session) RedisKey() string {
	return sessionKey(s.ID)
}

func sessionKey(id string) string {
	return "session:" + id
}

const activeSessionsKey = "sessions:active"

func (s *Session) fields() map[string]any {
	f := map[string]any{
		"id":             s.ID,
		"connection_id":  s.ConnectionID,
		"status":         string(s.Status),
		"turns":          s.Turns,
		"errors":         s.Errors,
		"started_at":     s.StartedAt.UnixMilli(),
		"last_active_at": s.LastActiveAt.UnixMilli(),
	}
	if s.EndedAt != nil {
		f["ended_at"] = s.EndedAt.UnixMilli()
	}
	return f
}

func sessionFromHash(data map[string]string) *Session {
	s := &Session{
		ID:           data["id"],
		ConnectionID: data["connection_id"],
		Status:       Status(data["status"]),
		Turns:        parseInt(data["turns"]),
		Errors:       parseInt(data["errors"]),
		StartedAt:    time.UnixMilli(parseInt(data["started_at"])),
		LastActiveAt: time.UnixMilli(parseInt(data["last_active_at"])),
	}
	if v, ok := data["ended_at"]; ok {
		t := time.UnixMilli(parseInt(v))
		s.EndedAt = &t
	}
	return s
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// Metrics is one hour of relay activity.
type Metrics struct {
	Date           string           `json:"date"`
	Hour           int              `json:"hour"`
	Sessions       int64            `json:"sessions"`
	FailedSessions int64            `json:"failed_sessions"`
	Turns          int64            `json:"turns"`
	AudioChunks    int64            `json:"audio_chunks"`
	AvgLatencyMs   int64            `json:"avg_latency_ms"`
	ErrorCount     int64            `json:"error_count"`
	ErrorsByKind   map[string]int64 `json:"errors_by_kind,omitempty"`
}

func MetricsRedisKey(date string, hour int) string {
	return "relay:metrics:" + date + ":" + strconv.Itoa(hour)
}

const errorFieldPrefix = "errors:"

type MetricsListResponse struct {
	Hours   int        `json:"hours"`
	Metrics []*Metrics `json:"metrics"`
}

type SummaryResponse struct {
	Period         string  `json:"period"`
	TotalSessions  int64   `json:"total_sessions"`
	FailedSessions int64   `json:"failed_sessions"`
	TotalTurns     int64   `json:"total_turns"`
	AudioChunks    int64   `json:"audio_chunks"`
	AvgLatencyMs   int64   `json:"avg_latency_ms"`
	ErrorRate      float64 `json:"error_rate"`
}

type ActiveSessionsResponse struct {
	Total    int        `json:"total"`
	Sessions []*Session `json:"sessions"`
}
