package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/deckhand-dev/deckhand/internal/log"
)

const DefaultPath = "/var/lib/deckhand/journal.db"

type bolt struct {
	path string
}

// NewBolt opens (creating if necessary) a bbolt-backed journal at path. The
// database is opened per operation so concurrent deckhand invocations on the
// same host don't deadlock on the file lock between commands.
func NewBolt(path string) (Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	defer db.Close()

	return &bolt{path: path}, nil
}

// Record implements Journal.
func (b *bolt) Record(ctx context.Context, d Deployment) error {
	log.Debug(ctx, "recording deployment", "stack", d.Stack, "revision", d.Revision, "status", d.Status)

	if d.Stack == "" || d.Revision == "" {
		return fmt.Errorf("deployment needs a stack and a revision")
	}

	db, err := b.client()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		sb, err := tx.CreateBucketIfNotExists([]byte(d.Stack))
		if err != nil {
			return fmt.Errorf("failed to create stack bucket: %w", err)
		}

		seq, err := sb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal deployment: %w", err)
		}

		return sb.Put(seqKey(seq), raw)
	}); err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}

	return nil
}

// MarkStatus implements Journal.
func (b *bolt) MarkStatus(ctx context.Context, stack, revision string, status Status, errMsg string) error {
	log.Debug(ctx, "marking deployment status", "stack", stack, "revision", revision, "status", status)

	db, err := b.client()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket([]byte(stack))
		if sb == nil {
			return fmt.Errorf("stack %s has no recorded deployments", stack)
		}

		c := sb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var d Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("failed to unmarshal deployment: %w", err)
			}

			if d.Revision != revision {
				continue
			}

			d.Status = status
			d.Error = errMsg

			raw, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("failed to marshal deployment: %w", err)
			}
			return sb.Put(k, raw)
		}

		return fmt.Errorf("revision %s not found for stack %s", revision, stack)
	}); err != nil {
		return fmt.Errorf("failed to mark deployment status: %w", err)
	}

	return nil
}

// UpdateImages implements Journal.
func (b *bolt) UpdateImages(ctx context.Context, stack, revision string, images map[string]string) error {
	log.Debug(ctx, "pinning deployment images", "stack", stack, "revision", revision)

	db, err := b.client()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket([]byte(stack))
		if sb == nil {
			return fmt.Errorf("stack %s has no recorded deployments", stack)
		}

		c := sb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var d Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("failed to unmarshal deployment: %w", err)
			}

			if d.Revision != revision {
				continue
			}

			d.Images = images

			raw, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("failed to marshal deployment: %w", err)
			}
			return sb.Put(k, raw)
		}

		return fmt.Errorf("revision %s not found for stack %s", revision, stack)
	}); err != nil {
		return fmt.Errorf("failed to update deployment images: %w", err)
	}

	return nil
}

// Latest implements Journal.
func (b *bolt) Latest(ctx context.Context, stack string) (*Deployment, error) {
	history, err := b.History(ctx, stack, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return &history[0], nil
}

// History implements Journal.
func (b *bolt) History(ctx context.Context, stack string, n int) ([]Deployment, error) {
	db, err := b.client()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var out []Deployment
	if err := db.View(func(tx *bbolt.Tx) error {
		sb := tx.Bucket([]byte(stack))
		if sb == nil {
			return nil
		}

		c := sb.Cursor()
		for k, v := c.Last(); k != nil && (n <= 0 || len(out) < n); k, v = c.Prev() {
			var d Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("failed to unmarshal deployment: %w", err)
			}
			out = append(out, d)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to read deployment history: %w", err)
	}

	return out, nil
}

// RollbackTarget implements Journal.
func (b *bolt) RollbackTarget(ctx context.Context, stack, current string) (*Deployment, error) {
	history, err := b.History(ctx, stack, 0)
	if err != nil {
		return nil, err
	}

	for _, d := range history {
		if d.Revision == current {
			continue
		}
		if d.Status == StatusSucceeded {
			return &d, nil
		}
	}

	return nil, nil
}

func (b *bolt) client() (*bbolt.DB, error) {
	db, err := bbolt.Open(b.path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	return db, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
