package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var recipientsBucket = []byte("recipients")

// BoltStore keeps delivery records in a local bbolt file so that they survive a restart of the node.
// Layout: recipients/<recipientId>/<messageId> -> JSON record.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open delivery db %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recipientsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init delivery db: %w", err)
	}

	glog.Infof("delivery db opened: %s", path)
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key Key) (Record, bool, error) {
	var rec Record
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recipientsBucket).Bucket([]byte(key.RecipientID))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key.MessageID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

func (s *BoltStore) Put(rec Record) error {
	if !rec.Key().Valid() {
		return ErrInvalidKey
	}
	value, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.Key(), err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(recipientsBucket).CreateBucketIfNotExists([]byte(rec.RecipientID))
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.MessageID), value)
	})
}

func (s *BoltStore) ListByRecipient(recipientID string, state State) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recipientsBucket).Bucket([]byte(recipientID))
		if b == nil {
			return nil
		}
		// bbolt iterates keys in byte order, which is message id order.
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				glog.Errorf("delivery db: skip bad record %s/%s: %v", recipientID, k, err)
				return nil
			}
			if rec.State == state {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
