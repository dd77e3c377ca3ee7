package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/dreamware/mdtx/internal/archive"
)

// RecordDB persists collection records in a BoltDB file, one bucket per
// collection.
type RecordDB struct {
	db *bolt.DB
}

// OpenRecordDB opens or creates the database file at path.
func OpenRecordDB(path string) (*RecordDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open record db %s: %w", path, err)
	}
	log.Printf("[storage] record db opened in '%s'", path)
	return &RecordDB{db: db}, nil
}

// Close releases the database file.
func (r *RecordDB) Close() error {
	return r.db.Close()
}

func bucketName(collection string) []byte {
	return []byte("records/" + collection)
}

func rowKey(row archive.Row) []byte {
	return []byte(row.Server + "|" + row.Type + "|" + row.Hash + ":" + fmt.Sprint(row.Size) + "|" + row.Extra)
}

// SaveRows replaces the stored records of a collection with rows.
func (r *RecordDB) SaveRows(collection string, rows []archive.Row) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(collection)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		for _, row := range rows {
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put(rowKey(row), data); err != nil {
				return err
			}
		}
		log.Printf("[storage] saved %d records of collection '%s'", len(rows), collection)
		return nil
	})
}

// LoadRows returns the stored records of a collection. A collection never
// saved yields no rows and no error.
func (r *RecordDB) LoadRows(collection string) ([]archive.Row, error) {
	var rows []archive.Row
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var row archive.Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Collections lists the collections with a stored bucket.
func (r *RecordDB) Collections() ([]string, error) {
	var names []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			const prefix = "records/"
			if len(name) > len(prefix) && string(name[:len(prefix)]) == prefix {
				names = append(names, string(name[len(prefix):]))
			}
			return nil
		})
	})
	return names, err
}
