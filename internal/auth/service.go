// Package auth implements credential verification and bearer-token issuance
// for kiosk clients.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kioskpay/kioskpay/internal/client"
	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/metrics"
)

var (
	// ErrBadCredentials is returned for unknown machine ids or wrong passwords.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrForbidden is returned for inactive clients or disallowed source IPs.
	ErrForbidden = errors.New("forbidden")
)

// Service verifies kiosk credentials and mints bearer tokens.
type Service struct {
	clients client.Store
	tokens  *TokenService
}

// NewService creates an auth service.
func NewService(clients client.Store, tokens *TokenService) *Service {
	return &Service{clients: clients, tokens: tokens}
}

// Tokens exposes the underlying token service (used by the middleware).
func (s *Service) Tokens() *TokenService { return s.tokens }

// Authenticate verifies machine credentials and source IP, then mints a token.
// Every attempt is recorded in the auth audit log.
func (s *Service) Authenticate(ctx context.Context, machineID, password, sourceIP string) (token string, expiresIn time.Duration, err error) {
	cl, err := s.clients.GetByMachineID(ctx, machineID)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			s.audit(ctx, "", machineID, client.AuthLoginFail, sourceIP)
			metrics.AuthFailuresTotal.WithLabelValues("unknown_machine").Inc()
			return "", 0, ErrBadCredentials
		}
		return "", 0, err
	}

	if !cl.Active {
		s.audit(ctx, cl.ID, machineID, client.AuthLoginFail, sourceIP)
		metrics.AuthFailuresTotal.WithLabelValues("inactive").Inc()
		return "", 0, ErrForbidden
	}
	if !cl.IPAllowed(sourceIP) {
		s.audit(ctx, cl.ID, machineID, client.AuthLoginFail, sourceIP)
		metrics.AuthFailuresTotal.WithLabelValues("ip_not_allowed").Inc()
		return "", 0, ErrForbidden
	}

	if err := VerifyPassword(password, cl.PasswordHash); err != nil {
		s.audit(ctx, cl.ID, machineID, client.AuthLoginFail, sourceIP)
		metrics.AuthFailuresTotal.WithLabelValues("bad_password").Inc()
		return "", 0, ErrBadCredentials
	}

	s.audit(ctx, cl.ID, machineID, client.AuthLoginOK, sourceIP)

	token, err = s.tokens.Mint(cl.ID, cl.MachineID)
	if err != nil {
		return "", 0, err
	}

	s.audit(ctx, cl.ID, machineID, client.AuthTokenIssued, sourceIP)
	metrics.AuthTokensIssuedTotal.Inc()

	return token, s.tokens.ttl, nil
}

// LoadActiveClient resolves verified token claims to a client record,
// rejecting clients deactivated after the token was minted.
func (s *Service) LoadActiveClient(ctx context.Context, claims *Claims) (*client.Client, error) {
	cl, err := s.clients.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if !cl.Active {
		return nil, ErrTokenInvalid
	}
	return cl, nil
}

func (s *Service) audit(ctx context.Context, clientID, machineID string, typ client.AuthEventType, sourceIP string) {
	e := &client.AuthEvent{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		MachineID: machineID,
		Type:      typ,
		SourceIP:  sourceIP,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.clients.RecordAuthEvent(ctx, e); err != nil {
		logging.L(ctx).Warn("auth audit write failed", "machine_id", machineID, "error", err)
	}
}
