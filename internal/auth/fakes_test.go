// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// In-memory fakes shared by the service tests in this package.
package auth_test

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gatehouse/gatehouse/internal/auth"
)

type fakeTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*auth.Token // key: namespace + ":" + hash
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: make(map[string]*auth.Token)}
}

func repoKey(ns auth.Namespace, hash string) string {
	return string(ns) + ":" + hash
}

func (r *fakeTokenRepo) Insert(_ context.Context, token *auth.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *token
	r.tokens[repoKey(token.Namespace, token.Hash)] = &cp
	return nil
}

func (r *fakeTokenRepo) Replace(_ context.Context, token *auth.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, existing := range r.tokens {
		if existing.Namespace == token.Namespace && existing.OwnerKey == token.OwnerKey {
			delete(r.tokens, key)
		}
	}
	cp := *token
	r.tokens[repoKey(token.Namespace, token.Hash)] = &cp
	return nil
}

func (r *fakeTokenRepo) GetByHash(_ context.Context, ns auth.Namespace, hash string) (*auth.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[repoKey(ns, hash)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *token
	return &cp, nil
}

func (r *fakeTokenRepo) Delete(_ context.Context, ns auth.Namespace, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, repoKey(ns, hash))
	return nil
}

func (r *fakeTokenRepo) DeleteByOwner(_ context.Context, ns auth.Namespace, ownerKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, token := range r.tokens {
		if token.Namespace == ns && token.OwnerKey == ownerKey {
			delete(r.tokens, key)
		}
	}
	return nil
}

func (r *fakeTokenRepo) DeleteByOwnerExcept(_ context.Context, ns auth.Namespace, ownerKey, keepHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, token := range r.tokens {
		if token.Namespace == ns && token.OwnerKey == ownerKey && token.Hash != keepHash {
			delete(r.tokens, key)
		}
	}
	return nil
}

func (r *fakeTokenRepo) DeleteExpired(_ context.Context, ns auth.Namespace) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var n int64
	for key, token := range r.tokens {
		if token.Namespace == ns && token.ExpiredAt(now) {
			delete(r.tokens, key)
			n++
		}
	}
	return n, nil
}

func (r *fakeTokenRepo) count(ns auth.Namespace) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, token := range r.tokens {
		if token.Namespace == ns {
			n++
		}
	}
	return n
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[ulid.ULID]*auth.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[ulid.ULID]*auth.User)}
}

func (r *fakeUserRepo) Create(_ context.Context, user *auth.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return auth.ErrDuplicateEmail
		}
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == email {
			cp := *user
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *fakeUserRepo) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = time.Now()
	return nil
}

func (r *fakeUserRepo) MarkVerified(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	user.IsVerified = true
	user.UpdatedAt = time.Now()
	return nil
}

type sentMail struct {
	to      string
	subject string
	body    string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMail
}

func (n *fakeNotifier) Send(_ context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (n *fakeNotifier) messages() []sentMail {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMail(nil), n.sent...)
}

// Compile-time interface checks.
var (
	_ auth.TokenRepository = (*fakeTokenRepo)(nil)
	_ auth.UserRepository  = (*fakeUserRepo)(nil)
	_ auth.Notifier        = (*fakeNotifier)(nil)
)
