// Package gate enforces the optional credential requirement on direct
// conversation creation.
package gate

import (
	"context"

	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/logging"
)

// Checker reports whether an address holds the required credential.
type Checker interface {
	HasNickname(ctx context.Context, addr string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, addr string) (bool, error)

func (f CheckerFunc) HasNickname(ctx context.Context, addr string) (bool, error) {
	return f(ctx, addr)
}

// Gate is open unless required is set and a checker is available.
type Gate struct {
	required bool
	checker  Checker
	logger   *logging.Logger
}

// New creates a gate. A nil checker leaves the gate open even when required.
func New(required bool, checker Checker, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{required: required, checker: checker, logger: logger}
}

// Enforcing reports whether Check can deny.
func (g *Gate) Enforcing() bool {
	return g != nil && g.required && g.checker != nil
}

// Check returns a Forbidden error when addr lacks the credential or the
// credential cannot be read.
func (g *Gate) Check(ctx context.Context, addr string) error {
	if !g.Enforcing() {
		return nil
	}
	ok, err := g.checker.HasNickname(ctx, addr)
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).WithField("address", addr).Warn("Credential read failed")
		ok = false
	}
	if !ok {
		g.logger.LogSecurityEvent(ctx, "credential_required", map[string]interface{}{"address": addr})
		return svcerrors.Forbidden("Profile nickname required")
	}
	return nil
}
