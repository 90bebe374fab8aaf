package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Backend is a transactional bucketed key-value store. Values are raw bytes;
// callers pick the encoding (see PutJSON/GetJSON).
type Backend interface {
	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing it wrote is kept.
	Update(fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(fn func(tx Tx) error) error
	Close() error
}

// Tx gives access to the buckets of a backend within a transaction
type Tx interface {
	// CreateBucket returns the named bucket, creating it if needed.
	CreateBucket(name []byte) (Bucket, error)
	// Bucket returns nil when the bucket does not exist.
	Bucket(name []byte) Bucket
	// DeleteBucket is idempotent.
	DeleteBucket(name []byte) error
	ForEachBucket(fn func(name []byte) error) error
}

// Bucket provides access to a single bucket within a transaction.
// Slices returned by Get and ForEach are only valid inside the transaction.
type Bucket interface {
	Put(key, value []byte) error
	Get(key []byte) []byte
	Delete(key []byte) error
	ForEach(fn func(k, v []byte) error) error
}

// PutJSON stores v JSON-encoded under key.
func PutJSON(b Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return b.Put(key, data)
}

// GetJSON decodes the value under key into v. It reports false, leaving v
// untouched, when the key is absent.
func GetJSON(b Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode JSON: %w", err)
	}

	return true, nil
}

var errReadOnly = errors.New("write in read-only transaction")

// DecodeJSON unmarshals a raw value, e.g. one handed out by ForEach.
func DecodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
	return nil
}
