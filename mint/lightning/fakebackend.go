package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const FakePreimage = "0000000000000000"

type FakePaymentMode int

const (
	SucceedPayment FakePaymentMode = iota
	FailPayment
	PendingPayment
)

// FakeBackend is an in-memory Lightning backend for tests.
// Created invoices settle immediately unless AutoSettle is turned off.
// PaymentMode controls the outcome of outgoing payments.
type FakeBackend struct {
	mu       sync.Mutex
	invoices []Invoice
	outgoing map[string]PaymentStatus

	AutoSettle  bool
	PaymentMode FakePaymentMode
	FeeUnits    uint64
	// InvoiceExpiry overrides the expiry given to created invoices
	InvoiceExpiry time.Duration
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		outgoing:   make(map[string]PaymentStatus),
		AutoSettle: true,
	}
}

func (fb *FakeBackend) ConnectionStatus() error { return nil }

func (fb *FakeBackend) CreateInvoice(amount uint64) (Invoice, error) {
	req, preimage, paymentHash, err := createFakeInvoice(amount)
	if err != nil {
		return Invoice{}, err
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	expiry := time.Second * InvoiceExpiryTime
	if fb.InvoiceExpiry != 0 {
		expiry = fb.InvoiceExpiry
	}
	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Settled:        fb.AutoSettle,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(expiry).Unix()),
	}
	fb.invoices = append(fb.invoices, invoice)

	return invoice, nil
}

func (fb *FakeBackend) InvoiceStatus(hash string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, invoice := range fb.invoices {
		if invoice.PaymentHash == hash {
			return invoice, nil
		}
	}
	return Invoice{}, errors.New("invoice does not exist")
}

// SettleInvoice marks a previously created invoice as paid
func (fb *FakeBackend) SettleInvoice(hash string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for i, invoice := range fb.invoices {
		if invoice.PaymentHash == hash {
			fb.invoices[i].Settled = true
			return nil
		}
	}
	return errors.New("invoice does not exist")
}

func (fb *FakeBackend) SendPayment(ctx context.Context, request string, amount uint64) (PaymentStatus, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("error decoding invoice: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	switch fb.PaymentMode {
	case FailPayment:
		fb.outgoing[invoice.PaymentHash] = PaymentStatus{PaymentStatus: Failed}
		return PaymentStatus{PaymentStatus: Failed}, errors.New("payment failed")
	case PendingPayment:
		fb.outgoing[invoice.PaymentHash] = PaymentStatus{PaymentStatus: Pending}
		return PaymentStatus{PaymentStatus: Pending}, errors.New("payment timed out")
	}

	status := PaymentStatus{
		Preimage:      FakePreimage,
		PaymentStatus: Succeeded,
	}
	fb.outgoing[invoice.PaymentHash] = status

	return status, nil
}

func (fb *FakeBackend) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	status, ok := fb.outgoing[hash]
	if !ok {
		return PaymentStatus{PaymentStatus: Pending}, OutgoingPaymentNotFound
	}
	return status, nil
}

// SetOutgoingStatus overrides the status a pending payment will resolve to
func (fb *FakeBackend) SetOutgoingStatus(hash string, status PaymentStatus) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.outgoing[hash] = status
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return fb.FeeUnits
}

func createFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
