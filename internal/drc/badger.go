package drc

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/coriolisfs/nfsdispatch/internal/logger"
)

// BadgerCache is a durable DRC backend, for deployments that want
// duplicate-request suppression to survive a restart. Grounded on the same
// badger.DefaultOptions()/WithCompression(options.None) tuning the teacher
// uses for its metadata store: the DRC workload is the same shape (small
// keys, small values, latency-sensitive point lookups).
type BadgerCache struct {
	db *badger.DB
}

// OpenBadgerCache opens (or creates) a durable DRC at path.
func OpenBadgerCache(path string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open DRC store at %s: %w", path, err)
	}
	logger.Debug("DRC badger store opened at %s", path)
	return &BadgerCache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}

func encodeKey(key Key) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], key.XprtID)
	binary.BigEndian.PutUint32(buf[8:12], key.XID)
	return buf
}

func (c *BadgerCache) Lookup(key Key) ([]byte, bool) {
	var reply []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			reply = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return reply, true
}

func (c *BadgerCache) Insert(key Key, reply []byte) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(key), reply)
	})
	if err != nil {
		logger.Warn("DRC insert failed for xid=0x%x: %v", key.XID, err)
	}
}

func (c *BadgerCache) Remove(key Key) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(encodeKey(key))
	})
	if err != nil {
		logger.Debug("DRC remove failed for xid=0x%x: %v", key.XID, err)
	}
}
