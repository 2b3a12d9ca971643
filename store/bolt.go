package store

import (
	"time"

	"github.com/boltdb/bolt"
	log "github.com/sirupsen/logrus"
)

type persistDB struct {
	db      *bolt.DB
	options bolt.Options
	bucket  string
	log     *log.Entry
}

func newPersistDB(file, bucket string, logger *log.Entry) (s *persistDB, err error) {
	s = &persistDB{
		options: bolt.Options{Timeout: 1 * time.Second},
		bucket:  bucket,
		log:     logger,
	}
	s.db, err = bolt.Open(file, 0600, &s.options)
	if err != nil {
		return
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		_, err = tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return nil
	})

	return
}

func (s *persistDB) save(entries map[string]string) {
	err := s.db.Batch(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.bucket))

		for key, value := range entries {
			err := b.Put([]byte(key), []byte(value))
			if err != nil {
				s.log.Warnf("Persist failed for bucket: %s, key: %s", s.bucket, key)
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warnf("Persist failed for bucket: %s", s.bucket)
	}
}

func (s *persistDB) restore() (kv map[string]string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.bucket))
		c := b.Cursor()
		kv = make(map[string]string)

		for k, v := c.First(); k != nil; k, v = c.Next() {
			kv[string(k)] = string(v)
		}

		return nil
	})
	return
}

func (s *persistDB) close() {
	if err := s.db.Close(); err != nil {
		s.log.Warnf("Closing persist db failed: %s", err)
	}
}
