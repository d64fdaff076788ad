package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	chatstore_mock "github.com/mqy/minichat/chatstore/mock"
	"github.com/mqy/minichat/store"
)

func i64(v int64) *int64 { return &v }

func TestParseParams(t *testing.T) {
	p, err := ParseParams(url.Values{
		"chatType":        {"Direct"},
		"chatId":          {" u2 "},
		"beforeSeq":       {"10"},
		"beforeTimestamp": {"1700000000000"},
		"limit":           {"500"},
		"searchText":      {"Hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, chatstore.ChatDirect, p.ChatType)
	assert.Equal(t, "u2", p.ChatID)
	assert.Equal(t, int64(10), *p.BeforeSeq)
	assert.Equal(t, int64(1700000000000), p.BeforeTimestamp.UnixMilli())
	assert.Equal(t, 500, p.Limit)

	for _, q := range []url.Values{
		{"beforeSeq": {"x"}},
		{"afterSeq": {"1.5"}},
		{"limit": {"ten"}},
		{"beforeTimestamp": {"yesterday"}},
	} {
		_, err := ParseParams(q)
		var qe *InvalidHistoryQueryError
		require.True(t, errors.As(err, &qe), "%v", q)
		assert.Equal(t, http.StatusBadRequest, qe.HTTPStatus)
	}

	p, err = ParseParams(url.Values{"beforeTimestamp": {"2024-01-02T03:04:05Z"}})
	require.NoError(t, err)
	assert.Equal(t, 2024, p.BeforeTimestamp.Year())
}

func TestValidate(t *testing.T) {
	p := Params{ChatType: chatstore.ChatRoom, ChatID: "r1"}
	require.NoError(t, p.Validate(0))
	assert.Equal(t, DefaultLimit, p.Limit)

	p = Params{ChatType: chatstore.ChatRoom, ChatID: "r1", Limit: 1000}
	require.NoError(t, p.Validate(20))
	assert.Equal(t, MaxLimit, p.Limit)

	p = Params{ChatType: chatstore.ChatRoom, ChatID: "r1"}
	require.NoError(t, p.Validate(20))
	assert.Equal(t, 20, p.Limit)

	bad := []Params{
		{ChatType: "group", ChatID: "r1"},
		{ChatType: chatstore.ChatRoom},
		{ChatType: chatstore.ChatRoom, ChatID: "r1", Limit: -1},
		{ChatType: chatstore.ChatRoom, ChatID: "r1", BeforeSeq: i64(0)},
		{ChatType: chatstore.ChatRoom, ChatID: "r1", AfterSeq: i64(-1)},
		{ChatType: chatstore.ChatRoom, ChatID: "r1", BeforeSeq: i64(10), AfterSeq: i64(5)},
	}
	for i, p := range bad {
		err := p.Validate(0)
		var qe *InvalidHistoryQueryError
		assert.True(t, errors.As(err, &qe), "case %d", i)
	}
}

func TestBothCursorsRejectedBeforeStore(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := chatstore_mock.NewMockIMessageStore(mockCtrl)
	storeMock.EXPECT().Fetch(gomock.Any(), gomock.Any()).Times(0)

	s := NewService(storeMock, 0)
	_, err := s.Fetch(context.Background(), "u1", Params{
		ChatType:  chatstore.ChatDirect,
		ChatID:    "u2",
		BeforeSeq: i64(10),
		AfterSeq:  i64(5),
	})
	var qe *InvalidHistoryQueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, http.StatusBadRequest, qe.HTTPStatus)
}

func TestFetchUsesLimitPlusOne(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := chatstore_mock.NewMockIMessageStore(mockCtrl)
	storeMock.EXPECT().Fetch(gomock.Any(), chatstore.Range{
		ConversationID: "dm:u1:u2",
		Cursor:         chatstore.CursorAfterSeq,
		Seq:            3,
		Limit:          3,
	}).Return([]*chatstore.Message{
		{MessageID: "a", SequenceNumber: 4},
		{MessageID: "b", SequenceNumber: 6},
		{MessageID: "c", SequenceNumber: 7},
	}, nil)

	s := NewService(storeMock, 0)
	page, err := s.Fetch(context.Background(), "u2", Params{ChatType: chatstore.ChatDirect, ChatID: "u1", AfterSeq: i64(3), Limit: 2})
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(4), page.Messages[0].SequenceNumber)
	assert.Equal(t, int64(6), *page.NextCursor)
}

func fillStore(t *testing.T, n int) chatstore.IMessageStore {
	s := store.NewMemoryStore()
	for i := 0; i < n; i++ {
		content := "hello"
		if i%3 == 0 {
			content = "Lunch?"
		}
		_, err := s.Save(context.Background(), &chatstore.Message{
			ConversationID: chatstore.DirectConversationID("u1", "u2"),
			SenderID:       "u1",
			RecipientID:    "u2",
			ChatType:       chatstore.ChatDirect,
			Content:        content,
		})
		require.NoError(t, err)
	}
	return s
}

func seqsOf(msgs []*chatstore.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.SequenceNumber)
	}
	return out
}

func TestFetchBackwardPaging(t *testing.T) {
	s := NewService(fillStore(t, 7), 3)
	ctx := context.Background()

	page, err := s.Fetch(ctx, "u1", Params{ChatType: chatstore.ChatDirect, ChatID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7}, seqsOf(page.Messages))
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(5), *page.NextCursor)

	page, err = s.Fetch(ctx, "u1", Params{ChatType: chatstore.ChatDirect, ChatID: "u2", BeforeSeq: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, seqsOf(page.Messages))
	assert.True(t, page.HasMore)

	page, err = s.Fetch(ctx, "u1", Params{ChatType: chatstore.ChatDirect, ChatID: "u2", BeforeSeq: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, seqsOf(page.Messages))
	assert.False(t, page.HasMore)

	page, err = s.Fetch(ctx, "u1", Params{ChatType: chatstore.ChatDirect, ChatID: "u2", BeforeSeq: i64(1)})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Nil(t, page.NextCursor)
}

// afterSeq pages continue from the newest row, so a client catching up can feed NextCursor back.
func TestFetchForwardPaging(t *testing.T) {
	s := NewService(fillStore(t, 7), 3)
	ctx := context.Background()

	page, err := s.Fetch(ctx, "u1", Params{ChatType: chatstore.ChatDirect, ChatID: "u2", AfterSeq: i64(0)})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seqsOf(page.Messages))
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, int64(3), *page.NextCursor)

	page, err = s.Fetch(ctx, "u1", Params{ChatType: chatstore.ChatDirect, ChatID: "u2", AfterSeq: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5, 6}, seqsOf(page.Messages))
	assert.Equal(t, int64(6), *page.NextCursor)

	page, err = s.Fetch(ctx, "u1", Params{ChatType: chatstore.ChatDirect, ChatID: "u2", AfterSeq: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, seqsOf(page.Messages))
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(7), *page.NextCursor)

	page, err = s.Fetch(ctx, "u1", Params{ChatType: chatstore.ChatDirect, ChatID: "u2", AfterSeq: page.NextCursor})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Nil(t, page.NextCursor)
}

func TestFetchSearchText(t *testing.T) {
	s := NewService(fillStore(t, 7), 0)
	page, err := s.Fetch(context.Background(), "u2", Params{ChatType: chatstore.ChatDirect, ChatID: "u1", SearchText: "LUNCH"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4, 7}, seqsOf(page.Messages))
	assert.False(t, page.HasMore)
}

func TestHandler(t *testing.T) {
	s := NewService(fillStore(t, 4), 0)
	h := s.Handler(&auth.MockClient{})

	req := httptest.NewRequest(http.MethodGet, "/?chatType=direct&chatId=u2&afterSeq=2", nil)
	req.Header.Set("X-Uid", "u1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Messages []chatstore.Message `json:"messages"`
		HasMore  bool                `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(3), page.Messages[0].SequenceNumber)

	req = httptest.NewRequest(http.MethodGet, "/?chatType=direct&chatId=u2&afterSeq=2&beforeSeq=9", nil)
	req.Header.Set("X-Uid", "u1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/?chatType=direct&chatId=u2", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
