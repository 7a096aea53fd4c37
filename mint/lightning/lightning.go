// Package lightning has the interface to interact with a Lightning
// backend and the supported implementations.
package lightning

import "context"

type State int

// Pending is the zero value so that a status returned alongside an
// error can never read as a settled payment.
const (
	Pending State = iota
	Succeeded
	Failed
)

// Client interface to interact with a Lightning backend
type Client interface {
	ConnectionStatus() error
	CreateInvoice(amount uint64) (Invoice, error)
	InvoiceStatus(hash string) (Invoice, error)
	SendPayment(ctx context.Context, request string, amount uint64) (PaymentStatus, error)
	OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error)
	FeeReserve(amount uint64) uint64
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}

type PaymentStatus struct {
	Preimage      string
	PaymentStatus State
	// fee paid for the payment. Used to return the unused
	// part of the fee reserve as change
	FeePaid uint64
}
