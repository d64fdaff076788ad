package history

import (
	"context"
	"strings"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mqy/minichat/chatstore"
)

var queriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "minichat_history_queries_total",
		Help: "History queries by cursor mode and outcome",
	},
	[]string{"mode", "outcome"},
)

// Page is one page of history, ascending by sequence for display.
type Page struct {
	Messages []*chatstore.Message `json:"messages"`
	HasMore  bool                 `json:"hasMore"`
	// NextCursor continues the walk: pass it as beforeSeq for backward pages, as afterSeq for afterSeq
	// pages. Nil for an empty page.
	NextCursor *int64 `json:"nextCursor"`
}

type Service struct {
	store    chatstore.IMessageStore
	pageSize int
}

func NewService(store chatstore.IMessageStore, pageSize int) *Service {
	return &Service{store: store, pageSize: clampPageSize(pageSize)}
}

func (s *Service) PageSize() int {
	return s.pageSize
}

// Fetch validates p and reads one page of the conversation userID addresses with (ChatType, ChatID).
func (s *Service) Fetch(ctx context.Context, userID string, p Params) (*Page, error) {
	mode := p.Mode()
	if err := p.Validate(s.pageSize); err != nil {
		queriesTotal.WithLabelValues(mode, "invalid").Inc()
		return nil, err
	}
	conversationID, err := chatstore.ConversationID(p.ChatType, p.ChatID, userID)
	if err != nil {
		queriesTotal.WithLabelValues(mode, "invalid").Inc()
		return nil, invalid("%v", err)
	}

	r := chatstore.Range{ConversationID: conversationID, Limit: p.Limit + 1}
	switch {
	case p.BeforeSeq != nil:
		r.Cursor, r.Seq = chatstore.CursorBeforeSeq, *p.BeforeSeq
	case p.AfterSeq != nil:
		r.Cursor, r.Seq = chatstore.CursorAfterSeq, *p.AfterSeq
	case p.BeforeTimestamp != nil:
		r.Cursor, r.Time = chatstore.CursorBeforeTime, *p.BeforeTimestamp
	}

	rows, err := s.store.Fetch(ctx, r)
	if err != nil {
		queriesTotal.WithLabelValues(mode, "error").Inc()
		glog.Errorf("history fetch %s %s error: %v", conversationID, mode, err)
		return nil, err
	}

	page := &Page{HasMore: len(rows) > p.Limit}
	if page.HasMore {
		rows = rows[:p.Limit]
	}
	if r.Descending() {
		rows = reverse(rows)
	}

	if len(rows) > 0 {
		var cursor int64
		if r.Descending() {
			cursor = rows[0].SequenceNumber
		} else {
			cursor = rows[len(rows)-1].SequenceNumber
		}
		page.NextCursor = &cursor
	}

	page.Messages = filterText(rows, p.SearchText)
	queriesTotal.WithLabelValues(mode, "ok").Inc()
	glog.V(5).Infof("history %s %s limit %d: %d rows, hasMore %v", conversationID, mode, p.Limit, len(page.Messages), page.HasMore)
	return page, nil
}

func reverse(rows []*chatstore.Message) []*chatstore.Message {
	out := make([]*chatstore.Message, len(rows))
	for i, m := range rows {
		out[len(rows)-1-i] = m
	}
	return out
}

// filterText keeps the rows whose content contains text, case-insensitively.
func filterText(rows []*chatstore.Message, text string) []*chatstore.Message {
	out := make([]*chatstore.Message, 0, len(rows))
	needle := strings.ToLower(strings.TrimSpace(text))
	for _, m := range rows {
		if needle == "" || strings.Contains(strings.ToLower(m.Content), needle) {
			out = append(out, m)
		}
	}
	return out
}
