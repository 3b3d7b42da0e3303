package connection

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// Service manages connection records and agent credentials.
type Service struct {
	repo     Repository
	validate *validator.Validate
	cost     int
	now      func() time.Time
}

// NewService constructs a connection service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, validate: validator.New(), cost: bcrypt.DefaultCost, now: time.Now}
}

// WithHashCost overrides the bcrypt cost.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// Authenticate checks agent credentials against the stored hash.
func (s *Service) Authenticate(ctx context.Context, username, secret string) (Connection, error) {
	conn, err := s.repo.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Connection{}, shared.AuthError("invalid agent credentials")
		}
		return Connection{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(conn.SecretHash), []byte(secret)); err != nil {
		return Connection{}, shared.AuthError("invalid agent credentials")
	}
	if !conn.Enabled {
		return Connection{}, shared.AuthError("connection disabled")
	}
	return conn, nil
}

// Get loads the connection of a company.
func (s *Service) Get(ctx context.Context, companyID int64) (Connection, error) {
	return s.repo.GetByCompany(ctx, companyID)
}

// Save validates and stores the configuration, hashing a new secret.
func (s *Service) Save(ctx context.Context, in SaveInput) (Connection, error) {
	in.CompanyName = strings.TrimSpace(in.CompanyName)
	in.AgentUsername = strings.TrimSpace(in.AgentUsername)
	if err := s.validate.Struct(in); err != nil {
		return Connection{}, shared.ValidationError("invalid connection: %v", err)
	}
	if in.RegularPayItem == "" {
		in.RegularPayItem = "Hourly Regular"
	}
	if in.OvertimePayItem == "" {
		in.OvertimePayItem = "Hourly Overtime"
	}
	var hash string
	if in.Secret != "" {
		raw, err := bcrypt.GenerateFromPassword([]byte(in.Secret), s.cost)
		if err != nil {
			return Connection{}, err
		}
		hash = string(raw)
	} else if _, err := s.repo.GetByCompany(ctx, in.CompanyID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Connection{}, shared.ValidationError("secret required for a new connection")
		}
		return Connection{}, err
	}
	return s.repo.Save(ctx, in, hash)
}

// MarkStatus records the link state and stamps the last contact.
func (s *Service) MarkStatus(ctx context.Context, companyID int64, status Status, lastError string) error {
	now := s.now()
	return s.repo.MarkStatus(ctx, companyID, status, lastError, &now)
}

// MarkIdle disconnects links whose agent stopped polling.
func (s *Service) MarkIdle(ctx context.Context) (int64, error) {
	return s.repo.MarkIdleDisconnected(ctx, s.now())
}
