package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cashmint/cashmint/cashu"
	"github.com/cashmint/cashmint/cashu/nuts/nut04"
	"github.com/cashmint/cashmint/cashu/nuts/nut05"
	"github.com/cashmint/cashmint/cashu/nuts/nut07"
)

var (
	// ErrQuoteConflict is returned by the compare-and-swap quote updates
	// when the quote was not in the expected state
	ErrQuoteConflict = errors.New("quote not in expected state")

	ErrNotFound = errors.New("not found")
)

// ProofsExistError is returned by AddProofs when one or more of the
// proofs are already in the ledger. Nothing gets written in that case.
type ProofsExistError struct {
	Proofs []DBProof
}

func (e ProofsExistError) Error() string {
	ys := make([]string, len(e.Proofs))
	for i, proof := range e.Proofs {
		ys[i] = proof.Y
	}
	return fmt.Sprintf("proofs already in ledger: %s", strings.Join(ys, ","))
}

type MintDB interface {
	GetBalance() (uint64, error)
	GetIssuedTotal() (uint64, error)
	GetRedeemedTotal() (uint64, error)
	GetProofsCount() (uint64, error)

	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error
	// RotateKeyset saves the new active keyset and deactivates the
	// previous one in a single transaction. Returns ErrNotFound if
	// there is no keyset with the previous id.
	RotateKeyset(newKeyset DBKeyset, previousId string) error

	// AddProofs writes all the proofs with the passed state in a single
	// transaction. If any of them is already present it writes nothing
	// and returns ProofsExistError with the colliding proofs.
	// meltQuoteId ties proofs committed to an in-flight melt to their
	// quote so they can be resolved later. Empty for swapped proofs.
	AddProofs(proofs cashu.Proofs, meltQuoteId string, state nut07.State) error
	GetProofs(Ys []string) ([]DBProof, error)
	GetProofsByQuote(meltQuoteId string) ([]DBProof, error)
	UpdateProofsState(Ys []string, state nut07.State) error
	DeleteProofs(Ys []string) error

	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	// UpdateMintQuoteState transitions the quote from the expected state.
	// Returns ErrQuoteConflict if the quote was not in it.
	UpdateMintQuoteState(quoteId string, from, to nut04.State) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	GetMeltQuoteByPaymentRequest(string) (MeltQuote, error)
	GetMeltQuotesByState(nut05.State) ([]MeltQuote, error)
	// UpdateMeltQuote transitions the quote from the expected state.
	// Returns ErrQuoteConflict if the quote was not in it.
	UpdateMeltQuote(quoteId string, preimage string, from, to nut05.State) error

	SaveBlindSignature(B_ string, blindSignature cashu.BlindedSignature) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
}

type DBProof struct {
	Amount      uint64
	Id          string
	Secret      string
	Y           string
	C           string
	State       nut07.State
	MeltQuoteId string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
}
