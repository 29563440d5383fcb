package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrCorruptSession is returned by Load when the saved session cannot be
// decoded. It is the only load failure that discards the saved session.
var ErrCorruptSession = errors.New("corrupt session")

// Store persists the session between runs
type Store interface {
	// Load returns the saved session and whether one exists
	Load(ctx context.Context) (Session, bool, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// FileStore keeps the session as a JSON file in a directory
type FileStore struct {
	path string
}

// NewFileStore stores the session under dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, SessionKey+".json")}
}

// Path returns the session file location
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(ctx context.Context) (Session, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("failed to read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	return s, true, nil
}

func (f *FileStore) Save(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace session: %w", err)
	}
	return nil
}

func (f *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// RedisStore keeps the session in one redis key per session name, so several
// overlay hosts can share a sign-in
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore stores the session for name in client
func NewRedisStore(client redis.UniversalClient, name string) *RedisStore {
	if name == "" {
		name = "default"
	}
	return &RedisStore{client: client, key: fmt.Sprintf("pressme:%s:%s", SessionKey, name)}
}

// Key returns the redis key holding the session
func (r *RedisStore) Key() string { return r.key }

func (r *RedisStore) Load(ctx context.Context) (Session, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("failed to read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	return s, true, nil
}

func (r *RedisStore) Save(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// MemoryStore keeps the session in memory only
type MemoryStore struct {
	mu sync.Mutex
	s  Session
	ok bool
}

func (m *MemoryStore) Load(ctx context.Context) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, m.ok, nil
}

func (m *MemoryStore) Save(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s, m.ok = s, true
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s, m.ok = Session{}, false
	return nil
}
