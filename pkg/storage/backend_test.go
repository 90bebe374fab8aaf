package storage

import (
	"bytes"
	"errors"
	"testing"
)

// backendTestSuite runs the same checks against any Backend implementation
func backendTestSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("CreateBucketIdempotent", func(t *testing.T) {
		backend := newBackend(t)

		for range 2 {
			err := backend.Update(func(tx Tx) error {
				_, err := tx.CreateBucket([]byte("runs"))
				return err
			})
			if err != nil {
				t.Fatalf("CreateBucket failed: %v", err)
			}
		}

		err := backend.View(func(tx Tx) error {
			if tx.Bucket([]byte("runs")) == nil {
				t.Error("bucket should exist after creation")
			}
			if tx.Bucket([]byte("missing")) != nil {
				t.Error("missing bucket should be nil")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View failed: %v", err)
		}
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		backend := newBackend(t)

		err := backend.Update(func(tx Tx) error {
			b, err := tx.CreateBucket([]byte("runs"))
			if err != nil {
				return err
			}
			return b.Put([]byte("k1"), []byte("v1"))
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		var got []byte
		backend.View(func(tx Tx) error {
			got = bytes.Clone(tx.Bucket([]byte("runs")).Get([]byte("k1")))
			return nil
		})
		if !bytes.Equal(got, []byte("v1")) {
			t.Errorf("Get returned %q, want v1", got)
		}

		err = backend.Update(func(tx Tx) error {
			return tx.Bucket([]byte("runs")).Delete([]byte("k1"))
		})
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		backend.View(func(tx Tx) error {
			if v := tx.Bucket([]byte("runs")).Get([]byte("k1")); v != nil {
				t.Errorf("key should be gone, got %q", v)
			}
			return nil
		})
	})

	t.Run("FailedUpdateRollsBack", func(t *testing.T) {
		backend := newBackend(t)
		boom := errors.New("boom")

		err := backend.Update(func(tx Tx) error {
			b, err := tx.CreateBucket([]byte("runs"))
			if err != nil {
				return err
			}
			if err := b.Put([]byte("k1"), []byte("v1")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update error = %v, want %v", err, boom)
		}

		backend.View(func(tx Tx) error {
			if tx.Bucket([]byte("runs")) != nil {
				t.Error("bucket created in a failed transaction should not exist")
			}
			return nil
		})
	})

	t.Run("ForEachInKeyOrder", func(t *testing.T) {
		backend := newBackend(t)

		backend.Update(func(tx Tx) error {
			b, _ := tx.CreateBucket([]byte("batches"))
			for _, k := range []string{"0002", "0000", "0001"} {
				b.Put([]byte(k), []byte("v"+k))
			}
			return nil
		})

		var keys []string
		backend.View(func(tx Tx) error {
			return tx.Bucket([]byte("batches")).ForEach(func(k, v []byte) error {
				keys = append(keys, string(k))
				return nil
			})
		})

		want := []string{"0000", "0001", "0002"}
		if len(keys) != len(want) {
			t.Fatalf("ForEach visited %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("ForEach key[%d] = %s, want %s", i, keys[i], want[i])
			}
		}
	})

	t.Run("DeleteAndListBuckets", func(t *testing.T) {
		backend := newBackend(t)

		backend.Update(func(tx Tx) error {
			for _, name := range []string{"a", "b", "c"} {
				if _, err := tx.CreateBucket([]byte(name)); err != nil {
					return err
				}
			}
			if err := tx.DeleteBucket([]byte("b")); err != nil {
				return err
			}
			// Idempotent
			return tx.DeleteBucket([]byte("b"))
		})

		var names []string
		backend.View(func(tx Tx) error {
			return tx.ForEachBucket(func(name []byte) error {
				names = append(names, string(name))
				return nil
			})
		})
		if len(names) != 2 || names[0] != "a" || names[1] != "c" {
			t.Errorf("ForEachBucket = %v, want [a c]", names)
		}
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		backend := newBackend(t)

		type record struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}

		err := backend.Update(func(tx Tx) error {
			b, err := tx.CreateBucket([]byte("runs"))
			if err != nil {
				return err
			}
			return PutJSON(b, []byte("r1"), record{Name: "run", Count: 3})
		})
		if err != nil {
			t.Fatalf("PutJSON failed: %v", err)
		}

		backend.View(func(tx Tx) error {
			var got record
			found, err := GetJSON(tx.Bucket([]byte("runs")), []byte("r1"), &got)
			if err != nil || !found {
				t.Fatalf("GetJSON = %v, %v", found, err)
			}
			if got.Name != "run" || got.Count != 3 {
				t.Errorf("GetJSON decoded %+v", got)
			}

			found, err = GetJSON(tx.Bucket([]byte("runs")), []byte("nope"), &got)
			if err != nil || found {
				t.Errorf("GetJSON on missing key = %v, %v; want false, nil", found, err)
			}
			return nil
		})
	})
}
