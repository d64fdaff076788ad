package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/bus"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/cluster"
	"github.com/mqy/minichat/delivery"
	"github.com/mqy/minichat/history"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

var (
	flagAddr       = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile    = flag.String("pid-file", "minichat.pid", "pid file")
	flagEnvFile    = flag.String("env-file", ".env", "optional dotenv file, loaded before environment defaults are applied")
	flagInstanceID = flag.String("instance-id", "", "bus instance id, env INSTANCE_ID, default a random uuid")

	flagMysqlDsn      = flag.String("mysql-dsn", "", "mysql server dsn with parseTime=true, env MYSQL_DSN; empty keeps messages in memory")
	flagMessageTTL    = flag.Duration("message-ttl", 30*24*time.Hour, "message TTL, 0 keeps messages forever")
	flagSweepInterval = flag.Duration("sweep-interval", cluster.DefaultSweepInterval, "interval of deleting expired messages")
	flagDeliveryDB    = flag.String("delivery-db", "", "bbolt file for delivery records; empty keeps them in memory")

	flagAckTimeoutMs     = flag.Uint("ack-timeout-ms", uint(delivery.DefaultAckTimeout/time.Millisecond), "delivery ACK timeout in milliseconds, env DELIVERY_ACK_TIMEOUT_MS, floor 1000")
	flagDedupeTTLSeconds = flag.Uint("dedupe-ttl-seconds", uint(bus.DefaultDedupeTTL/time.Second), "bus dedupe TTL in seconds, env REDIS_DEDUPE_TTL_SECONDS")
	flagDedupeMaxEntries = flag.Uint("dedupe-max-entries", bus.DefaultDedupeMaxEntries, "bus dedupe capacity, env REDIS_DEDUPE_MAX_ENTRIES")
	flagHistoryPageSize  = flag.Uint("history-page-size", history.DefaultLimit, "default history page size, env HISTORY_PAGE_SIZE, capped at 100")
	flagSessionQuota     = flag.Uint("session-quota", 5, "per user session quota on this instance, allowed value in [0, 10], 0 is unlimited")

	flagRedisURL     = flag.String("redis-url", "", "redis url of the bus, env REDIS_URL")
	flagRedisChannel = flag.String("redis-channel", bus.DefaultRedisChannel, "redis pub/sub channel of the bus")
	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers of the bus, env KAFKA_BROKERS")
	flagKafkaTopic   = flag.String("kafka-topic", bus.DefaultKafkaTopic, "kafka topic of the bus")
	flagKafkaMaxAge  = flag.Duration("kafka-max-age", bus.DefaultKafkaMaxAge, "drop bus events older than this, 0 keeps all")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
	flagEnablePprof    = flag.Bool("enable-pprof", false, "serve pprof under /debug")
)

// flag name -> environment variable.
var envFlags = map[string]string{
	"instance-id":        "INSTANCE_ID",
	"mysql-dsn":          "MYSQL_DSN",
	"ack-timeout-ms":     "DELIVERY_ACK_TIMEOUT_MS",
	"dedupe-ttl-seconds": "REDIS_DEDUPE_TTL_SECONDS",
	"dedupe-max-entries": "REDIS_DEDUPE_MAX_ENTRIES",
	"history-page-size":  "HISTORY_PAGE_SIZE",
	"redis-url":          "REDIS_URL",
	"kafka-brokers":      "KAFKA_BROKERS",
}

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := loadEnv(); v > 0 {
		return v
	}
	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()
	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	instanceID := *flagInstanceID
	if instanceID == "" {
		instanceID = uuid.New()
	}
	glog.Infof("minichat server is starting, instance: %s", instanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := make(map[string]cluster.IPinger)

	var msgStore chatstore.IMessageStore
	var expirer cluster.IExpirer
	if *flagMysqlDsn != "" {
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return errorf("sql.Open error, err: %v", err)
		}
		defer db.Close()

		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		ms := store.NewMessageStore(db)
		if err := ms.CreateTables(ctx); err != nil {
			return errorf("mysql: %v", err)
		}
		msgStore, expirer = ms, ms
		checks["mysql"] = cluster.PingFunc(db.PingContext)
	} else {
		glog.Warningf("--mysql-dsn is empty, messages are kept in memory")
		ms := store.NewMemoryStore()
		msgStore, expirer = ms, ms
	}

	var recordStore delivery.IRecordStore = delivery.NewMemoryStore()
	if *flagDeliveryDB != "" {
		bs, err := delivery.NewBoltStore(*flagDeliveryDB)
		if err != nil {
			return errorf("--delivery-db: %v", err)
		}
		recordStore = bs
	}
	defer recordStore.Close()

	machine := delivery.NewMachine(recordStore, delivery.MachineCfg{
		AckTimeout: time.Duration(*flagAckTimeoutMs) * time.Millisecond,
		OnFailure: func(f delivery.Failure) {
			glog.V(5).Infof("delivery failure: %s %s", f.Key, f.Reason)
		},
	})
	defer machine.Close()

	var transport bus.ITransport
	switch {
	case *flagRedisURL != "":
		rt, err := bus.NewRedisTransport(ctx, *flagRedisURL, *flagRedisChannel)
		if err != nil {
			return errorf("--redis-url: %v", err)
		}
		transport = rt
		checks["redis"] = rt
	case *flagKafkaBrokers != "":
		transport = bus.NewKafkaTransport(bus.KafkaCfg{
			Brokers: strings.Split(*flagKafkaBrokers, ","),
			Topic:   *flagKafkaTopic,
			GroupID: "minichat-" + instanceID,
			MaxAge:  *flagKafkaMaxAge,
		})
	default:
		glog.Warningf("no bus configured, running as a single instance")
	}

	var publisher *bus.Publisher
	if transport != nil {
		publisher = bus.NewPublisher(transport, instanceID)
	}

	authClient := newAuthClient()
	hub := ws.NewHub(authClient, machine, int(*flagSessionQuota))
	dispatcher := ws.NewDispatcher(hub, machine, msgStore, publisher)
	hist := history.NewService(msgStore, int(*flagHistoryPageSize))
	hub.SetChatApi(ws.NewChatApi(msgStore, machine, hist, dispatcher, *flagMessageTTL))

	events := bus.NewHandler(bus.HandlerCfg{
		InstanceID: instanceID,
		Conns:      hub,
		Deliverer:  dispatcher,
		Dedupe:     bus.NewDedupe(time.Duration(*flagDedupeTTLSeconds)*time.Second, int(*flagDedupeMaxEntries)),
		Publisher:  publisher,
	})

	node := cluster.NewNode(&cluster.NodeCfg{
		Addr:           *flagAddr,
		InstanceID:     instanceID,
		Hub:            hub,
		History:        hist.Handler(authClient),
		DisableMetrics: *flagDisableMetrics,
		EnablePprof:    *flagEnablePprof,
		Transport:      transport,
		Events:         events,
		Expirer:        expirer,
		SweepInterval:  *flagSweepInterval,
		Checks:         checks,
	})

	stopNotifyChan := make(chan struct{})
	go node.Run(ctx, stopNotifyChan)

	glog.Infof("`CTRL+c` or `kill %d` to graceful stop", pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		if stopping {
			glog.Infof("minichat server is already in stop")
			continue
		}
		stopping = true
		glog.Infof("received signal `%s` stopping", sig.String())
		go func() {
			cancel()
			<-stopNotifyChan
			close(stopNotifyChan)
			signal.Stop(sigCh)
			close(sigCh)
		}()
	}

	glog.Info("minichat server exited")
	return 0
}

func newAuthClient() auth.Client {
	// TODO: hook into production auth API.
	return &auth.MockClient{}
}

// loadEnv loads the dotenv file, then fills every flag that was not given on the command line from
// its environment variable.
func loadEnv() int {
	if err := godotenv.Load(*flagEnvFile); err != nil && !os.IsNotExist(err) {
		return errorf("--env-file: %v", err)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	for name, env := range envFlags {
		v, ok := os.LookupEnv(env)
		if !ok || set[name] {
			continue
		}
		if err := flag.Set(name, v); err != nil {
			return errorf("env %s: %v", env, err)
		}
	}
	return 0
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}

	if *flagMessageTTL < 0 {
		return errorf("--message-ttl must not be negative")
	}
	if *flagSweepInterval < time.Second {
		return errorf("--sweep-interval must be at least 1s")
	}

	if *flagAckTimeoutMs > 0 && time.Duration(*flagAckTimeoutMs)*time.Millisecond < delivery.MinAckTimeout {
		glog.Warningf("--ack-timeout-ms %d is below the floor, %s is used", *flagAckTimeoutMs, delivery.MinAckTimeout)
	}
	if *flagHistoryPageSize > history.MaxLimit {
		return errorf("--history-page-size MUST in range [1, %d]", history.MaxLimit)
	}

	if *flagSessionQuota > 10 {
		return errorf("--session-quota MUST in range [0, 10]")
	}

	if *flagRedisURL != "" && *flagKafkaBrokers != "" {
		return errorf("--redis-url and --kafka-brokers are mutually exclusive")
	}
	if *flagKafkaBrokers != "" {
		for _, b := range strings.Split(*flagKafkaBrokers, ",") {
			if _, _, err := net.SplitHostPort(b); err != nil {
				return errorf("--kafka-brokers: %v", err)
			}
		}
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
