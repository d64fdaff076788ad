package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"

	"github.com/mqy/minichat/bus"
	bus_mock "github.com/mqy/minichat/bus/mock"
)

func TestKafkaConsumeLoop(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	readerMock := bus_mock.NewMockIKafkaReader(mockCtrl)
	tr := bus.NewKafkaTransportForTest(readerMock, nil, time.Minute, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var offset int64
	readerMock.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
		offset++
		switch offset {
		case 1:
			return kafka.Message{Offset: offset, Value: []byte(`first`), Time: time.Now()}, nil
		case 2:
			return kafka.Message{}, errors.New("broker unavailable")
		case 3:
			return kafka.Message{Offset: offset, Value: []byte(`this value is far too large`), Time: time.Now()}, nil
		case 4:
			return kafka.Message{Offset: offset, Value: []byte(`stale`), Time: time.Now().Add(-time.Hour)}, nil
		case 5:
			return kafka.Message{Offset: offset, Value: []byte(`second`), Time: time.Now()}, nil
		}
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}).AnyTimes()

	var committed []int64
	var mu sync.Mutex
	readerMock.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msgs ...kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			committed = append(committed, m.Offset)
		}
		return nil
	}).AnyTimes()

	var got []string
	done := make(chan error)
	go func() {
		done <- tr.Subscribe(ctx, func(b []byte) {
			mu.Lock()
			got = append(got, string(b))
			mu.Unlock()
		})
	}()

	// the fetch error backs off BackoffMinInterval before the loop resumes.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(committed) == 4
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, []int64{1, 3, 4, 5}, committed)
}

func TestKafkaPublishAndClose(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	readerMock := bus_mock.NewMockIKafkaReader(mockCtrl)
	writerMock := bus_mock.NewMockIKafkaWriter(mockCtrl)
	tr := bus.NewKafkaTransportForTest(readerMock, writerMock, 0, 0)

	writerMock.EXPECT().WriteMessages(gomock.Any(), kafka.Message{Value: []byte(`{"type":"admin.kick"}`)}).Return(nil)
	assert.NoError(t, tr.Publish(context.Background(), []byte(`{"type":"admin.kick"}`)))

	writerMock.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("leader not available"))
	assert.EqualError(t, tr.Publish(context.Background(), []byte(`x`)), "leader not available")

	// both sides are closed even when the reader fails; the reader error wins.
	gomock.InOrder(
		readerMock.EXPECT().Close().Return(errors.New("reader close")),
		writerMock.EXPECT().Close().Return(errors.New("writer close")),
	)
	assert.EqualError(t, tr.Close(), "reader close")
}
