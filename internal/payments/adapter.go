// Package payments defines wallet protocol adapters and the dispatcher
// that drives outgoing payments across a user's wallets.
package payments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Invoice is a minted invoice returned by a receiving wallet.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string // BOLT11 encoded
	MsatAmount     int64
}

// SendResult is the outcome of a completed outgoing payment.
type SendResult struct {
	Preimage   string
	FeeMsat    int64
	WalletID   int64
	Protocol   string
	InvoiceIdx int // which candidate invoice settled, for multi-attempt dispatches
}

// Adapter sends payments through one wallet protocol.
type Adapter interface {
	// Protocol is the stable identifier stored in wallet records.
	Protocol() string

	// Pay pays a BOLT11 invoice and returns the hex preimage. Errors are
	// classified by the dispatcher via the taxonomy in errors.go; an
	// adapter wraps failures it can attribute itself.
	Pay(ctx context.Context, bolt11 string, maxFeeMsat int64) (string, error)
}

// InvoiceCreator mints invoices on a receiving wallet.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, msatAmount int64, description string, expiry time.Duration) (*Invoice, error)
}

// ConnectionTester verifies stored credentials reach a live wallet with
// the permissions the adapter needs.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// Factory builds an adapter from a wallet's stored configuration.
type Factory func(config map[string]string, log *zap.SugaredLogger) (Adapter, error)

// Registry maps protocol names to adapter factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(protocol string, f Factory) {
	r.factories[protocol] = f
}

// Build instantiates the adapter for a protocol, or a ConfigError if
// the protocol is unknown.
func (r *Registry) Build(protocol string, config map[string]string, log *zap.SugaredLogger) (Adapter, error) {
	f, ok := r.factories[protocol]
	if !ok {
		return nil, &ConfigError{Protocol: protocol, Field: "protocol", Reason: fmt.Sprintf("unknown protocol %q", protocol)}
	}
	return f(config, log)
}

// Protocols lists the registered protocol names, sorted.
func (r *Registry) Protocols() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
