// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/poiesic/stockpile/storage"
)

const subscriberBuffer = 64

// ObjectStore keeps objects as files under a root directory. Uploads go
// through URLs carrying an HS256 token that names the key and its expiry,
// the local stand-in for presigned S3 URLs.
type ObjectStore struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	prefix string
	ch     chan storage.ObjectEvent
	done   <-chan struct{}

	// mu guards ch against close while a send is in progress.
	mu     sync.RWMutex
	closed bool
}

var (
	_ storage.ObjectStore  = (*ObjectStore)(nil)
	_ storage.ObjectEvents = (*ObjectStore)(nil)
	_ http.Handler         = (*ObjectStore)(nil)
)

// ObjectStoreOption configures an ObjectStore.
type ObjectStoreOption func(*ObjectStore)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) ObjectStoreOption {
	return func(s *ObjectStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the clock used for token expiry.
func WithClock(now func() time.Time) ObjectStoreOption {
	return func(s *ObjectStore) {
		s.now = now
	}
}

// NewObjectStore creates a store rooted at root. baseURL is the public
// address the store's HTTP handler is mounted at.
func NewObjectStore(root, baseURL string, secret []byte, opts ...ObjectStoreOption) (*ObjectStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating object root: %w", err)
	}
	s := &ObjectStore{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
		logger:  slog.Default(),
		subs:    make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "local-objects")
	return s, nil
}

// PresignPut signs an upload URL for key. Nothing is written.
func (s *ObjectStore) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if _, err := s.path(key); err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	// Tokens carry whole seconds; the reported expiry must match.
	expiry := now.Add(ttl).Truncate(time.Second)
	claims := jwt.StandardClaims{
		Id:        uuid.NewString(),
		Subject:   key,
		IssuedAt:  now.Unix(),
		ExpiresAt: expiry.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing upload token: %w", err)
	}
	u := s.baseURL + "/" + (&url.URL{Path: key}).EscapedPath() + "?" + url.Values{"token": {token}}.Encode()
	return u, expiry, nil
}

// Put writes r to key if token grants it, then notifies subscribers.
func (s *ObjectStore) Put(ctx context.Context, key, token string, r io.Reader) (int64, error) {
	path, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := s.verify(key, token); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}

	s.logger.Info("object stored", "key", key, "size", size)
	s.emit(ctx, storage.ObjectEvent{Key: key, Size: size, At: s.now()})
	return size, nil
}

// Open returns the stored object.
func (s *ObjectStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Subscribe delivers an event for every successful Put under prefix.
func (s *ObjectStore) Subscribe(ctx context.Context, prefix string) (<-chan storage.ObjectEvent, error) {
	sub := &subscription{
		prefix: prefix,
		ch:     make(chan storage.ObjectEvent, subscriberBuffer),
		done:   ctx.Done(),
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}()
	return sub.ch, nil
}

// ServeHTTP accepts PUT uploads at /<key>?token=<token>.
func (s *ObjectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	_, err := s.Put(r.Context(), key, r.URL.Query().Get("token"), r.Body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, storage.ErrUploadDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, storage.ErrInvalidQuery):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("upload failed", "key", key, "err", err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
	}
}

func (s *ObjectStore) verify(key, token string) error {
	var claims jwt.StandardClaims
	parser := jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true,
	}
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUploadDenied, err)
	}
	if claims.Subject != key {
		return fmt.Errorf("%w: token is not valid for %s", storage.ErrUploadDenied, key)
	}
	if !s.now().Before(time.Unix(claims.ExpiresAt, 0)) {
		return fmt.Errorf("%w: token expired", storage.ErrUploadDenied)
	}
	return nil
}

func (s *ObjectStore) emit(ctx context.Context, event storage.ObjectEvent) {
	event.Ack = func(context.Context) error { return nil }

	s.mu.Lock()
	var matched []*subscription
	for _, sub := range s.subs {
		if strings.HasPrefix(event.Key, sub.prefix) {
			matched = append(matched, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range matched {
		if !sub.send(ctx, event) {
			return
		}
	}
}

// send delivers event unless the subscription has ended. It reports false
// when ctx is done.
func (sub *subscription) send(ctx context.Context, event storage.ObjectEvent) bool {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return true
	}
	select {
	case sub.ch <- event:
	case <-sub.done:
	case <-ctx.Done():
		return false
	}
	return true
}

func (s *ObjectStore) path(key string) (string, error) {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("%w: invalid object key %q", storage.ErrInvalidQuery, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
