// Package grants persists the access grants held for content-URI rule lists.
package grants

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"
	bberrors "go.etcd.io/bbolt/errors"

	"github.com/haukened/tunblock/internal/dns/common/clock"
)

var bucketGrants = []byte("grants")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("grant store closed")

// Grant is one persisted permission, keyed by the rule-list location.
type Grant struct {
	Location  string
	GrantedAt time.Time
}

// Store is a bbolt-backed set of grants.
type Store struct {
	db    *bbolt.DB
	clock clock.Clock
}

// Open opens (or creates) the grant database at path.
func Open(path string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create grant store dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open grant store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGrants)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{db: db, clock: clk}, nil
}

// Close releases the database file.
func (s *Store) Close() error { return s.db.Close() }

// Take records a grant for location. Taking an existing grant keeps the
// original timestamp.
func (s *Store) Take(location string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketGrants)
		if b.Get([]byte(location)) != nil {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(s.clock.Now().Unix()))
		return b.Put([]byte(location), buf)
	})
	return translate(err)
}

// List returns every grant ordered by location.
func (s *Store) List() ([]Grant, error) {
	var out []Grant
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGrants).ForEach(func(k, v []byte) error {
			g := Grant{Location: string(k)}
			if len(v) == 8 {
				g.GrantedAt = time.Unix(int64(binary.BigEndian.Uint64(v)), 0)
			}
			out = append(out, g)
			return nil
		})
	})
	if err != nil {
		return nil, translate(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

// ReleaseUnreferenced drops every grant whose location is not in keep and
// returns the released locations.
func (s *Store) ReleaseUnreferenced(keep map[string]int) ([]string, error) {
	var released []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketGrants)
		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if keep[string(k)] == 0 {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			released = append(released, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return released, nil
}

func translate(err error) error {
	if errors.Is(err, bberrors.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
