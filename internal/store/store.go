// Package store persists users and encrypted messages in a bbolt database.
// The store is the sole mutator of message records; the delivered and read
// flags only ever move from false to true.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/taskline/taskline/internal/errors"
)

const (
	// dirPerm is the permission mode for the database directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt file lock.
	openTimeout = 5 * time.Second
)

var (
	usersBucket    = []byte("users")
	emailsBucket   = []byte("emails")
	messagesBucket = []byte("messages")
)

// convBucket returns the conversation index bucket name for a pair of
// identities. The pair is ordered canonically so both directions share
// one bucket.
func convBucket(a, b string) []byte {
	if b < a {
		a, b = b, a
	}

	return []byte("conv:" + a + ":" + b)
}

// User is an account record. Identity attributes (name, email) are owned
// by the account subsystem and consumed here only for rendering; the
// messaging fields are the refresh token and OTP state.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash,omitempty"`

	RefreshToken       string `json:"refreshToken,omitempty"`
	RefreshTokenExpiry int64  `json:"refreshTokenExpiry,omitempty"`

	OTP       string `json:"otp,omitempty"`
	OTPExpiry int64  `json:"otpExpiry,omitempty"`
}

// Message is a persisted chat message. The body is stored encrypted.
// Delivered and Read are one-way flags; they are never reverted.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender"`
	ReceiverID string `json:"receiver"`
	Ciphertext string `json:"message"`
	Delivered  bool   `json:"delivered"`
	Read       bool   `json:"read"`
	CreatedAt  int64  `json:"createdAt"` // unix milliseconds
}

// Store wraps a bbolt database holding all server-side state.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at the given path and ensures the
// top-level buckets exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, emailsBucket, messagesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- users ---

// CreateUser stores a new user and indexes it by email.
// Fails if the email is already registered.
func (s *Store) CreateUser(u User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(emailsBucket)
		if emails.Get([]byte(u.Email)) != nil {
			return fmt.Errorf("email %s already registered", u.Email)
		}

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encoding user: %w", err)
		}

		if err := tx.Bucket(usersBucket).Put([]byte(u.ID), data); err != nil {
			return err
		}

		return emails.Put([]byte(u.Email), []byte(u.ID))
	})
}

// SaveUser overwrites an existing user record.
func (s *Store) SaveUser(u User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encoding user: %w", err)
		}

		return tx.Bucket(usersBucket).Put([]byte(u.ID), data)
	})
}

// UserByID returns the user with the given id.
func (s *Store) UserByID(id string) (*User, error) {
	var u *User

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(usersBucket).Get([]byte(id))
		if data == nil {
			return apperrors.ErrNotFound
		}

		u = &User{}

		return json.Unmarshal(data, u)
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// UserByEmail returns the user registered under the given email.
func (s *Store) UserByEmail(email string) (*User, error) {
	var id string

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(emailsBucket).Get([]byte(email))
		if v == nil {
			return apperrors.ErrNotFound
		}

		id = string(v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.UserByID(id)
}

// Users returns all user records, for building the conversation roster.
func (s *Store) Users() ([]User, error) {
	var users []User

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}

			users = append(users, u)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return users, nil
}

// --- messages ---

// convKey orders messages within a conversation bucket by creation time,
// with the bucket sequence as a tiebreaker so same-millisecond messages
// keep insertion order.
func convKey(createdAt int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key, uint64(createdAt))
	binary.BigEndian.PutUint64(key[8:], seq)

	return key
}

// SaveMessage persists a message record and indexes it in its conversation
// bucket. Called with the body already encrypted, before any delivery
// attempt is made.
func (s *Store) SaveMessage(m Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}

		if err := tx.Bucket(messagesBucket).Put([]byte(m.ID), data); err != nil {
			return err
		}

		conv, err := tx.CreateBucketIfNotExists(convBucket(m.SenderID, m.ReceiverID))
		if err != nil {
			return err
		}

		seq, err := conv.NextSequence()
		if err != nil {
			return err
		}

		return conv.Put(convKey(m.CreatedAt, seq), []byte(m.ID))
	})
}

// MessageByID returns a single message record.
func (s *Store) MessageByID(id string) (*Message, error) {
	var m *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(messagesBucket).Get([]byte(id))
		if data == nil {
			return apperrors.ErrNotFound
		}

		m = &Message{}

		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// MarkDelivered flips the delivered flag on a message. The transition is
// one-way: marking an already-delivered message is a no-op.
func (s *Store) MarkDelivered(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)

		data := b.Get([]byte(id))
		if data == nil {
			return apperrors.ErrNotFound
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}

		if m.Delivered {
			return nil
		}

		m.Delivered = true

		updated, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), updated)
	})
}

// MarkRead flips the read flag on every unread message sent by counterpart
// to reader. Returns how many records changed; zero means the call was a
// no-op and the caller must not emit a read-receipt signal. Idempotent.
func (s *Store) MarkRead(readerID, counterpartID string) (int, error) {
	changed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		conv := tx.Bucket(convBucket(readerID, counterpartID))
		if conv == nil {
			return nil
		}

		msgs := tx.Bucket(messagesBucket)

		return conv.ForEach(func(_, idBytes []byte) error {
			data := msgs.Get(idBytes)
			if data == nil {
				return nil
			}

			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}

			if m.SenderID != counterpartID || m.ReceiverID != readerID || m.Read {
				return nil
			}

			m.Read = true
			changed++

			updated, err := json.Marshal(m)
			if err != nil {
				return err
			}

			return msgs.Put(idBytes, updated)
		})
	})
	if err != nil {
		return 0, err
	}

	return changed, nil
}

// MessagesBetween returns every message between the two identities,
// ascending by creation time. Ordering is per-conversation only; no
// cross-conversation order is implied.
func (s *Store) MessagesBetween(a, b string) ([]Message, error) {
	var out []Message

	err := s.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(convBucket(a, b))
		if conv == nil {
			return nil
		}

		msgs := tx.Bucket(messagesBucket)

		return conv.ForEach(func(_, idBytes []byte) error {
			data := msgs.Get(idBytes)
			if data == nil {
				return nil
			}

			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}

			out = append(out, m)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// LastMessage returns the most recent message between the two identities,
// or nil when they have no conversation yet.
func (s *Store) LastMessage(a, b string) (*Message, error) {
	var m *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(convBucket(a, b))
		if conv == nil {
			return nil
		}

		_, idBytes := conv.Cursor().Last()
		if idBytes == nil {
			return nil
		}

		data := tx.Bucket(messagesBucket).Get(idBytes)
		if data == nil {
			return nil
		}

		m = &Message{}

		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// UnreadCount returns how many messages from counterpart the reader has
// not read yet.
func (s *Store) UnreadCount(readerID, counterpartID string) (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(convBucket(readerID, counterpartID))
		if conv == nil {
			return nil
		}

		msgs := tx.Bucket(messagesBucket)

		return conv.ForEach(func(_, idBytes []byte) error {
			data := msgs.Get(idBytes)
			if data == nil {
				return nil
			}

			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}

			if m.SenderID == counterpartID && m.ReceiverID == readerID && !m.Read {
				count++
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}
