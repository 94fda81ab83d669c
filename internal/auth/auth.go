package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"rapidrec/pkg/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired or already used")
	ErrWrongStream  = errors.New("token not valid for this stream")
)

// Manager issues and checks RTMP publish tokens
type Manager struct {
	tokens map[string]*models.PublishToken // token -> PublishToken
	mu     sync.RWMutex

	// Config
	defaultExpiration time.Duration
	maxExpiration     time.Duration
	now               func() time.Time
}

// New creates a new auth manager
func New(defaultExpiration, maxExpiration time.Duration) *Manager {
	if defaultExpiration <= 0 {
		defaultExpiration = time.Hour
	}
	if maxExpiration < defaultExpiration {
		maxExpiration = defaultExpiration
	}
	return &Manager{
		tokens:            make(map[string]*models.PublishToken),
		defaultExpiration: defaultExpiration,
		maxExpiration:     maxExpiration,
		now:               time.Now,
	}
}

// GeneratePublishToken creates a new publish token for a recording name
func (m *Manager) GeneratePublishToken(name string, expiresIn int, publisherIP string) (*models.PublishToken, error) {
	// Generate secure random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, errors.Wrap(err, "failed to generate token")
	}
	tokenString := hex.EncodeToString(tokenBytes)

	// Calculate expiration
	expiration := m.defaultExpiration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	}

	// Cap at max expiration
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	token := &models.PublishToken{
		Token:       tokenString,
		Name:        name,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiration),
		PublisherIP: publisherIP,
	}

	m.mu.Lock()
	m.tokens[tokenString] = token
	m.mu.Unlock()

	return token, nil
}

// Consume validates a token for name and marks it used
func (m *Manager) Consume(tokenString, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[tokenString]
	if !exists {
		return ErrInvalidToken
	}
	if !token.IsValid(m.now()) {
		return ErrTokenExpired
	}
	if token.Name != name {
		return ErrWrongStream
	}

	token.IsUsed = true
	return nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens removes used and expired tokens
func (m *Manager) CleanupExpiredTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for tokenString, token := range m.tokens {
		if !token.IsValid(now) {
			delete(m.tokens, tokenString)
			removed++
		}
	}
	return removed
}

// Run cleans up expired tokens every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanupExpiredTokens()
		}
	}
}

// GetTokenCount returns the number of stored tokens
func (m *Manager) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
