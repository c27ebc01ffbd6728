package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StubGateway is an in-memory provider for development and tests. Sessions
// stay open until Complete, Fail or Expire is called.
type StubGateway struct {
	mu       sync.Mutex
	baseURL  string
	sessions map[string]*Session
	refunded map[string]bool
}

// NewStubGateway creates a stub whose checkout URLs live under baseURL
func NewStubGateway(baseURL string) *StubGateway {
	return &StubGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sessions: make(map[string]*Session),
		refunded: make(map[string]bool),
	}
}

func (g *StubGateway) CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*Session, error) {
	ref := "cs_stub_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	session := &Session{
		Reference:   ref,
		PayerID:     req.PayerID,
		CourseID:    req.CourseID,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Description: req.Description,
		Status:      SessionOpen,
		URL:         fmt.Sprintf("%s/checkout/%s", g.baseURL, ref),
		CreatedAt:   time.Now().UTC(),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[ref] = session
	copied := *session
	return &copied, nil
}

func (g *StubGateway) GetSession(ctx context.Context, reference string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.sessions[reference]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", reference, ErrSessionNotFound)
	}
	copied := *session
	return &copied, nil
}

func (g *StubGateway) Refund(ctx context.Context, reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.sessions[reference]
	if !ok {
		return fmt.Errorf("session %s: %w", reference, ErrSessionNotFound)
	}
	if session.Status != SessionPaid {
		return fmt.Errorf("session %s is %s: %w", reference, session.Status, ErrRefundRejected)
	}
	g.refunded[reference] = true
	return nil
}

// Complete marks a session as paid
func (g *StubGateway) Complete(reference string) error {
	return g.settle(reference, SessionPaid)
}

// Fail marks a session as failed
func (g *StubGateway) Fail(reference string) error {
	return g.settle(reference, SessionFailed)
}

// Expire marks a session as expired
func (g *StubGateway) Expire(reference string) error {
	return g.settle(reference, SessionExpired)
}

// Refunded reports whether a refund went through for reference
func (g *StubGateway) Refunded(reference string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[reference]
}

func (g *StubGateway) settle(reference string, status SessionStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.sessions[reference]
	if !ok {
		return fmt.Errorf("session %s: %w", reference, ErrSessionNotFound)
	}
	session.Status = status
	return nil
}
