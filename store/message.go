package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/delivery"
)

const messageCols = "message_id,conversation_id,seq,sender_id,recipient_id,chat_type,content,state," +
	"attempts,failures,create_time,update_time,expire_time"

const (
	lockSeqSQL   = "SELECT seq FROM conversation_seq WHERE conversation_id=? FOR UPDATE"
	insertSeqSQL = "INSERT INTO conversation_seq (conversation_id, seq) VALUES (?, 0)"
	incSeqSQL    = "UPDATE conversation_seq SET seq=seq+1 WHERE conversation_id=? AND seq=?"

	insertMessageSQL = "INSERT INTO messages (" + messageCols + ") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)"
	getMessageSQL    = "SELECT " + messageCols + " FROM messages WHERE message_id=? AND " + notExpired
	allHistorySQL    = "SELECT " + messageCols + " FROM messages WHERE conversation_id=? AND " + notExpired +
		" ORDER BY seq ASC"
	beforeSeqSQL = "SELECT " + messageCols + " FROM messages WHERE conversation_id=? AND seq<? AND " + notExpired +
		" ORDER BY seq DESC LIMIT ?"
	afterSeqSQL = "SELECT " + messageCols + " FROM messages WHERE conversation_id=? AND seq>? AND " + notExpired +
		" ORDER BY seq ASC LIMIT ?"
	atSeqSQL = "SELECT " + messageCols + " FROM messages WHERE conversation_id=? AND seq=? AND " + notExpired
	latestSQL = "SELECT " + messageCols + " FROM messages WHERE conversation_id=? AND " + notExpired +
		" ORDER BY seq DESC LIMIT ?"
	beforeTimeSQL = "SELECT " + messageCols + " FROM messages WHERE conversation_id=? AND create_time<? AND " +
		notExpired + " ORDER BY seq DESC LIMIT ?"

	updateStateSQL   = "UPDATE messages SET state=?, update_time=? WHERE message_id=? AND state<?"
	recordAttemptSQL = "UPDATE messages SET attempts=attempts+1, failures=failures+?, update_time=? WHERE message_id=?"
	deleteExpiredSQL = "DELETE FROM messages WHERE expire_time IS NOT NULL AND expire_time<=?"

	// the placeholder is bound to the current time.
	notExpired = "(expire_time IS NULL OR expire_time>?)"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversation_seq (
		conversation_id VARCHAR(128) NOT NULL PRIMARY KEY,
		seq BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
		message_id CHAR(26) NOT NULL PRIMARY KEY,
		conversation_id VARCHAR(128) NOT NULL,
		seq BIGINT NOT NULL,
		sender_id VARCHAR(64) NOT NULL,
		recipient_id VARCHAR(64) NOT NULL,
		chat_type VARCHAR(8) NOT NULL,
		content TEXT NOT NULL,
		state TINYINT NOT NULL DEFAULT 0,
		attempts INT NOT NULL DEFAULT 0,
		failures INT NOT NULL DEFAULT 0,
		create_time DATETIME(3) NOT NULL,
		update_time DATETIME(3) NOT NULL,
		expire_time DATETIME(3) NULL,
		UNIQUE KEY uk_conversation_seq (conversation_id, seq),
		KEY idx_expire_time (expire_time)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// messageStore implements chatstore.IMessageStore on MySQL. DSN must set parseTime=true.
type messageStore struct {
	*sql.DB
	now func() time.Time
}

func NewMessageStore(db *sql.DB) *messageStore {
	return &messageStore{DB: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateTables creates the schema when it does not exist.
func (s *messageStore) CreateTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func (s *messageStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *messageStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}

func (s *messageStore) Save(ctx context.Context, m *chatstore.Message) (*chatstore.Message, error) {
	if err := validateNew(m); err != nil {
		return nil, err
	}

	out := *m
	now := s.now()
	out.MessageID = newMessageID(now)
	out.State = delivery.StatePersisted
	out.CreatedAt = now
	out.UpdatedAt = now

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		seq, err := s.incSeq(ctx, tx, out.ConversationID)
		if err != nil {
			return err
		}
		out.SequenceNumber = seq

		var expire sql.NullTime
		if out.ExpiresAt != nil {
			expire = sql.NullTime{Time: out.ExpiresAt.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insertMessageSQL,
			out.MessageID, out.ConversationID, out.SequenceNumber, out.SenderID, out.RecipientID,
			string(out.ChatType), out.Content, int(out.State), out.Attempts, out.Failures,
			out.CreatedAt, out.UpdatedAt, expire,
		); err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return nil, err
	}

	glog.V(5).Infof("message saved: %s conversation: %s seq: %d", out.MessageID, out.ConversationID, out.SequenceNumber)
	return &out, nil
}

// incSeq returns the next sequence number of a conversation. The row lock serializes concurrent
// writers of the same conversation.
func (s *messageStore) incSeq(ctx context.Context, tx *sql.Tx, conversationID string) (int64, error) {
	var seq int64
	found := true

	row := tx.QueryRowContext(ctx, lockSeqSQL, conversationID)
	if err := row.Scan(&seq); err != nil {
		if err != sql.ErrNoRows {
			glog.Errorf("get seq scan err: %v", err)
			return -1, err
		}
		found = false
	}

	if !found {
		if _, err := tx.ExecContext(ctx, insertSeqSQL, conversationID); err != nil {
			if !s.IsDupKeyError(err) {
				glog.Errorf("insert seq err: %v", err)
				return -1, err
			}
			// inserted concurrently, lock it again.
			row := tx.QueryRowContext(ctx, lockSeqSQL, conversationID)
			if err := row.Scan(&seq); err != nil {
				return -1, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, incSeqSQL, conversationID, seq); err != nil {
		glog.Errorf("update seq exec err: %v", err)
		return -1, err
	}
	return seq + 1, nil
}

func (s *messageStore) Get(ctx context.Context, messageID string) (*chatstore.Message, error) {
	msgs, err := s.query(ctx, getMessageSQL, messageID, s.now())
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, chatstore.ErrNotFound
	}
	return msgs[0], nil
}

func (s *messageStore) GetAllHistory(ctx context.Context, conversationID string) ([]*chatstore.Message, error) {
	return s.query(ctx, allHistorySQL, conversationID, s.now())
}

func (s *messageStore) GetContextWindow(ctx context.Context, conversationID string, seq int64, before, after int) ([]*chatstore.Message, error) {
	now := s.now()

	var out []*chatstore.Message
	if before > 0 {
		prev, err := s.query(ctx, beforeSeqSQL, conversationID, seq, now, before)
		if err != nil {
			return nil, err
		}
		out = append(out, reversed(prev)...)
	}

	at, err := s.query(ctx, atSeqSQL, conversationID, seq, now)
	if err != nil {
		return nil, err
	}
	out = append(out, at...)

	if after > 0 {
		next, err := s.query(ctx, afterSeqSQL, conversationID, seq, now, after)
		if err != nil {
			return nil, err
		}
		out = append(out, next...)
	}
	return out, nil
}

func (s *messageStore) Fetch(ctx context.Context, r chatstore.Range) ([]*chatstore.Message, error) {
	if r.Limit <= 0 {
		return nil, nil
	}
	now := s.now()
	switch r.Cursor {
	case chatstore.CursorBeforeSeq:
		return s.query(ctx, beforeSeqSQL, r.ConversationID, r.Seq, now, r.Limit)
	case chatstore.CursorAfterSeq:
		return s.query(ctx, afterSeqSQL, r.ConversationID, r.Seq, now, r.Limit)
	case chatstore.CursorBeforeTime:
		return s.query(ctx, beforeTimeSQL, r.ConversationID, r.Time.UTC(), now, r.Limit)
	default:
		return s.query(ctx, latestSQL, r.ConversationID, now, r.Limit)
	}
}

func (s *messageStore) UpdateState(ctx context.Context, messageID string, state delivery.State) error {
	if !state.Valid() {
		return fmt.Errorf("invalid state %d", int(state))
	}
	_, err := s.ExecContext(ctx, updateStateSQL, int(state), s.now(), messageID, int(state))
	return err
}

func (s *messageStore) RecordAttempt(ctx context.Context, messageID string, failed bool) error {
	var inc int
	if failed {
		inc = 1
	}
	_, err := s.ExecContext(ctx, recordAttemptSQL, inc, s.now(), messageID)
	return err
}

func (s *messageStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var numDeleted int64
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, deleteExpiredSQL, now.UTC())
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		numDeleted = n
		return nil
	}); err != nil {
		return 0, err
	}
	return numDeleted, nil
}

func (s *messageStore) query(ctx context.Context, query string, args ...interface{}) ([]*chatstore.Message, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		glog.Errorf("query messages err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*chatstore.Message
	for rows.Next() {
		var m chatstore.Message
		var chatType string
		var state int
		var expire sql.NullTime
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.SequenceNumber, &m.SenderID, &m.RecipientID,
			&chatType, &m.Content, &state, &m.Attempts, &m.Failures, &m.CreatedAt, &m.UpdatedAt, &expire); err != nil {
			glog.Errorf("scan message err: %v", err)
			return nil, err
		}
		m.ChatType = chatstore.ChatType(chatType)
		m.State = delivery.State(state)
		if expire.Valid {
			t := expire.Time
			m.ExpiresAt = &t
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
