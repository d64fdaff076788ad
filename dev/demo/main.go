package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/mqy/minichat/bus"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
)

// The demo mocks another instance: it publishes bus events that the running nodes apply to their
// local sessions. Connect with `X-Uid: <uid>` to /ws of a node to watch them arrive.

var (
	redisURL       = flag.String("redis-url", "", "redis url of the bus")
	kafkaBrokers   = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers, used when --redis-url is empty")
	kafkaTopic     = flag.String("kafka-topic", bus.DefaultKafkaTopic, "kafka topic of the bus")
	from           = flag.String("from", "demo", "sender user id")
	to             = flag.String("to", "u1,u2", "comma separated recipient user ids")
	tickerDuration = flag.Duration("ticker-duration", 30*time.Second, "ticker duration")
	kickUid        = flag.String("kick-uid", "", "publish one admin.kick for this user and exit")
	kickAction     = flag.String("kick-action", string(bus.KickRevokeAll), "admin.kick action: BAN, REVOKE_ALL or REVOKE_ONE")
	kickSid        = flag.String("kick-sid", "", "session id for REVOKE_ONE")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var transport bus.ITransport
	if *redisURL != "" {
		rt, err := bus.NewRedisTransport(ctx, *redisURL, bus.DefaultRedisChannel)
		if err != nil {
			panic(err)
		}
		transport = rt
	} else {
		if len(*kafkaBrokers) == 0 {
			panic("--kafka-brokers or --redis-url is required.")
		}
		transport = bus.NewKafkaTransport(bus.KafkaCfg{
			Brokers: strings.Split(*kafkaBrokers, ","),
			Topic:   *kafkaTopic,
		})
	}
	defer transport.Close()

	p := bus.NewPublisher(transport, "demo-"+ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()).String())

	if *kickUid != "" {
		if err := p.PublishKick(ctx, *kickUid, bus.KickAction(*kickAction), *kickSid); err != nil {
			panic(err)
		}
		return
	}

	uids := strings.Split(*to, ",")

	ticker := time.NewTicker(*tickerDuration)
	defer func() {
		ticker.Stop()
	}()

	var i int = 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			uid := uids[i%len(uids)]
			m := &chatstore.Message{
				MessageID:      ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
				SenderID:       *from,
				RecipientID:    uid,
				ConversationID: chatstore.DirectConversationID(*from, uid),
				ChatType:       chatstore.ChatDirect,
				Content:        fmt.Sprintf("hello #%d", i),
				State:          delivery.StatePersisted,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := p.PublishChatMessage(ctx, m); err != nil {
				glog.Errorf("publish error: %v", err)
			}
			i++
		}
	}
}
