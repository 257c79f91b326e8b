package store

import (
	"github.com/ethereum/go-ethereum/ethdb"
)

// Column is a logical keyspace inside the shared database. Keeping every
// column in one database lets a single batch span several of them.
type Column struct {
	name   string
	prefix []byte
}

// Column prefixes. No prefix is a prefix of another.
var (
	Pending     = Column{"pending", []byte("aa-p-")}
	Submitted   = Column{"submitted", []byte("aa-s-")}
	Included    = Column{"included", []byte("aa-i-")}
	Failed      = Column{"failed", []byte("aa-f-")}
	SenderIndex = Column{"sender_index", []byte("aa-x-")}
	TxMapping   = Column{"tx_mapping", []byte("aa-t-")}
	Reputation  = Column{"reputation", []byte("aa-r-")}
)

// Name returns the human-readable column name.
func (c Column) Name() string { return c.name }

// Key returns the full database key for k.
func (c Column) Key(k []byte) []byte {
	key := make([]byte, 0, len(c.prefix)+len(k))
	key = append(key, c.prefix...)
	return append(key, k...)
}

// Get reads k. It returns (nil, nil) when the key is absent; any other engine
// failure is returned unchanged.
func (c Column) Get(db ethdb.KeyValueReader, k []byte) ([]byte, error) {
	key := c.Key(k)
	data, err := db.Get(key)
	if err == nil {
		return data, nil
	}
	// Engines disagree on the not-found error value, so ask Has to tell a
	// missing key apart from an I/O failure.
	ok, herr := db.Has(key)
	if herr != nil {
		return nil, herr
	}
	if !ok {
		return nil, nil
	}
	// Written between the two reads.
	return db.Get(key)
}

// Has reports whether k exists in the column.
func (c Column) Has(db ethdb.KeyValueReader, k []byte) (bool, error) {
	return db.Has(c.Key(k))
}

// Put writes k to the database or batch.
func (c Column) Put(w ethdb.KeyValueWriter, k, v []byte) error {
	return w.Put(c.Key(k), v)
}

// Delete removes k from the database or batch.
func (c Column) Delete(w ethdb.KeyValueWriter, k []byte) error {
	return w.Delete(c.Key(k))
}

// Iterate walks every key in the column that starts with prefix, in key
// order. fn receives the key with the column prefix stripped; returning
// false stops the walk. Slices passed to fn are only valid for the call.
func (c Column) Iterate(db ethdb.Iteratee, prefix []byte, fn func(key, value []byte) bool) error {
	it := db.NewIterator(c.Key(prefix), nil)
	defer it.Release()

	for it.Next() {
		if !fn(it.Key()[len(c.prefix):], it.Value()) {
			break
		}
	}
	return it.Error()
}

// Count returns the number of keys in the column.
func (c Column) Count(db ethdb.Iteratee) (int, error) {
	n := 0
	err := c.Iterate(db, nil, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// DeleteAll queues a delete for every key in the column.
func (c Column) DeleteAll(db ethdb.Iteratee, w ethdb.KeyValueWriter) (int, error) {
	var (
		keys [][]byte
		n    int
	)
	err := c.Iterate(db, nil, func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := c.Delete(w, k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
