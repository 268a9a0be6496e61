package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// Verifier checks a token against the remote and returns its subject.
type Verifier interface {
	WhoAmI(ctx context.Context) (string, error)
}

// Service persists the remote session. A valid token on disk is the
// authentication signal the coordinator reacts to.
type Service struct {
	transport transport.Transport
	verifier  Verifier
	tokenFile string
	remote    string
	logger    *events.Logger

	mu       sync.Mutex
	token    *models.TokenInfo
	watchers []chan bool
}

// NewService creates an auth service. transport and verifier may be nil
// for remotes that authenticate out of band.
func NewService(t transport.Transport, v Verifier, tokenFile string, logger *events.Logger) *Service {
	s := &Service{
		transport: t,
		verifier:  v,
		tokenFile: tokenFile,
		logger:    logger.WithField("service", "auth"),
	}
	if dt, ok := t.(interface{ BaseURL() string }); ok {
		s.remote = dt.BaseURL()
	}
	return s
}

// Login verifies token with the remote, stores it and announces the session.
func (s *Service) Login(ctx context.Context, token string, ttl time.Duration) (*models.TokenInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("token required")
	}

	s.mu.Lock()
	previous := ""
	if s.transport != nil {
		previous = s.transport.GetToken()
		s.transport.SetToken(token)
	}
	s.mu.Unlock()

	var subject string
	if s.verifier != nil {
		var err error
		subject, err = s.verifier.WhoAmI(ctx)
		if err != nil {
			if s.transport != nil {
				s.transport.SetToken(previous)
			}
			return nil, fmt.Errorf("verify token: %w", err)
		}
	}

	info := &models.TokenInfo{
		Token:    token,
		Remote:   s.remote,
		Subject:  subject,
		IssuedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		info.ExpiresAt = info.IssuedAt.Add(ttl)
	}

	s.mu.Lock()
	s.token = info
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.WithField("subject", subject).Info("Login successful")
	s.notify(true)
	return info, nil
}

// Logout forgets the token and announces the end of the session.
func (s *Service) Logout(ctx context.Context) error {
	s.logger.Info("Logging out")

	s.mu.Lock()
	s.token = nil
	if s.transport != nil {
		s.transport.SetToken("")
	}
	var err error
	if s.tokenFile != "" {
		if rmErr := os.Remove(s.tokenFile); rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("remove token file: %w", rmErr)
		}
	}
	s.mu.Unlock()

	s.notify(false)
	return err
}

// GetToken returns the current token if it is still valid.
func (s *Service) GetToken() (*models.TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Valid() {
		return s.token, nil
	}

	token, err := s.loadLocked()
	if err != nil || !token.Valid() {
		return nil, models.ErrNotAuthenticated
	}

	s.token = token
	if s.transport != nil {
		s.transport.SetToken(token.Token)
	}
	return token, nil
}

// Authenticated reports whether a valid token is available.
func (s *Service) Authenticated() bool {
	_, err := s.GetToken()
	return err == nil
}

// Watch returns a channel receiving the authentication state on every
// login and logout. The channel closes when ctx ends.
func (s *Service) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 4)

	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (s *Service) notify(authenticated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		select {
		case w <- authenticated:
		default:
			s.logger.Warn("Auth watcher is not keeping up, dropping signal")
		}
	}
}

func (s *Service) saveLocked() error {
	if s.tokenFile == "" || s.token == nil {
		return nil
	}

	data, err := json.MarshalIndent(s.token, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.tokenFile), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	// Save with restricted permissions
	if err := os.WriteFile(s.tokenFile, data, 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (s *Service) loadLocked() (*models.TokenInfo, error) {
	if s.tokenFile == "" {
		return nil, fmt.Errorf("no token file configured")
	}

	data, err := os.ReadFile(s.tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var token models.TokenInfo
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &token, nil
}
