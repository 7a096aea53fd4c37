package mint

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashmint/cashmint/cashu"
	"github.com/cashmint/cashmint/cashu/nuts/nut02"
	"github.com/cashmint/cashmint/cashu/nuts/nut04"
	"github.com/cashmint/cashmint/cashu/nuts/nut05"
	"github.com/cashmint/cashmint/cashu/nuts/nut06"
	"github.com/cashmint/cashmint/cashu/nuts/nut07"
	"github.com/cashmint/cashmint/crypto"
	"github.com/cashmint/cashmint/mint/lightning"
	"github.com/cashmint/cashmint/mint/storage"
	"github.com/cashmint/cashmint/mint/storage/bolt"
	"github.com/cashmint/cashmint/mint/storage/sqlite"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	QuoteExpiryMins = 10

	// max amount of time a melt payment can stay in flight
	// before it is left for the pending quotes checker
	DefaultMeltTimeout = time.Second * 60

	Version = "0.4.0"
)

type Mint struct {
	db storage.MintDB

	// guards activeKeyset and keysets. Rotation takes the write lock,
	// everything else reads a snapshot under the read lock
	keysetsMu sync.RWMutex
	// active keyset from which to sign new outputs
	activeKeyset crypto.MintKeyset
	// map of all keysets (both active and inactive)
	keysets map[string]crypto.MintKeyset

	lightningClient lightning.Client
	mintInfo        nut06.MintInfo
	limits          MintLimits
	logger          *slog.Logger

	meltTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func LoadMint(config Config) (*Mint, error) {
	logger, logFile, err := setupLogger(config.MintPath, config.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := setupStorage(config)
	if err != nil {
		return nil, fmt.Errorf("error setting up storage: %v", err)
	}

	seed, err := mintSeed(db)
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}
	if err := config.LightningClient.ConnectionStatus(); err != nil {
		return nil, fmt.Errorf("error connecting to lightning backend: %v", err)
	}

	meltTimeout := DefaultMeltTimeout
	if config.MeltTimeout != nil {
		meltTimeout = *config.MeltTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	mint := &Mint{
		db:              db,
		keysets:         make(map[string]crypto.MintKeyset),
		lightningClient: config.LightningClient,
		limits:          config.Limits,
		logger:          logger,
		meltTimeout:     meltTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}

	if err := mint.loadKeysets(master, config); err != nil {
		cancel()
		return nil, err
	}

	mintInfo, err := buildMintInfo(config, master)
	if err != nil {
		cancel()
		return nil, err
	}
	mint.mintInfo = *mintInfo

	// resolve any melt quotes left in flight from a previous run
	// and keep checking for stuck ones periodically
	if err := mint.checkPendingMeltQuotes(ctx); err != nil {
		mint.logger.Error("error checking pending melt quotes", slog.String("error", err.Error()))
	}
	go func() {
		ticker := time.NewTicker(time.Second * 30)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if logFile != nil {
					logFile.Close()
				}
				return
			case <-ticker.C:
				if err := mint.checkPendingMeltQuotes(ctx); err != nil {
					mint.logger.Error("error checking pending melt quotes", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return mint, nil
}

func setupLogger(mintPath string, level LogLevel) (*slog.Logger, *os.File, error) {
	if level == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil
	}

	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %v", err)
	}
	logWriter := io.MultiWriter(os.Stdout, logFile)

	logLevel := slog.LevelInfo
	if level == Debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		AddSource:   true,
		Level:       logLevel,
		ReplaceAttr: replacer,
	}))
	return logger, logFile, nil
}

func setupStorage(config Config) (storage.MintDB, error) {
	if err := os.MkdirAll(config.MintPath, 0700); err != nil {
		return nil, err
	}
	switch config.DBBackend {
	case Bolt:
		return bolt.InitBolt(config.MintPath)
	case Sqlite, "":
		return sqlite.InitSQLite(config.MintPath)
	default:
		return nil, fmt.Errorf("unknown db backend '%s'", config.DBBackend)
	}
}

func mintSeed(db storage.MintDB) ([]byte, error) {
	seed, err := db.GetSeed()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			seed, err = hdkeychain.GenerateSeed(32)
			if err != nil {
				return nil, err
			}
			if err := db.SaveSeed(seed); err != nil {
				return nil, err
			}
			return seed, nil
		}
		return nil, err
	}
	return seed, nil
}

// loadKeysets derives all previously stored keysets and makes sure there
// is an active one at the configured derivation path index.
func (m *Mint) loadKeysets(master *hdkeychain.ExtendedKey, config Config) error {
	dbKeysets, err := m.db.GetKeysets()
	if err != nil {
		return fmt.Errorf("error reading keysets from db: %v", err)
	}

	for _, dbKeyset := range dbKeysets {
		keysetPath, err := crypto.DeriveKeysetPath(master, dbKeyset.DerivationPathIdx)
		if err != nil {
			return err
		}
		keyset, err := crypto.GenerateKeyset(keysetPath, dbKeyset.DerivationPathIdx, dbKeyset.InputFeePpk)
		if err != nil {
			return err
		}
		if keyset.Id != dbKeyset.Id {
			return fmt.Errorf("derived keyset '%v' does not match stored keyset '%v'", keyset.Id, dbKeyset.Id)
		}
		keyset.Active = dbKeyset.Active
		m.keysets[keyset.Id] = *keyset
		if keyset.Active {
			m.activeKeyset = *keyset
		}
	}

	keysetPath, err := crypto.DeriveKeysetPath(master, config.DerivationPathIdx)
	if err != nil {
		return err
	}
	keyset, err := crypto.GenerateKeyset(keysetPath, config.DerivationPathIdx, config.InputFeePpk)
	if err != nil {
		return err
	}

	if existing, ok := m.keysets[keyset.Id]; ok {
		if !existing.Active {
			if err := m.db.UpdateKeysetActive(keyset.Id, true); err != nil {
				return err
			}
			existing.Active = true
			m.keysets[keyset.Id] = existing
			m.activeKeyset = existing
		}
	} else {
		dbKeyset := storage.DBKeyset{
			Id:                keyset.Id,
			Unit:              keyset.Unit,
			Active:            true,
			DerivationPathIdx: keyset.DerivationPathIdx,
			InputFeePpk:       keyset.InputFeePpk,
		}
		if err := m.db.SaveKeyset(dbKeyset); err != nil {
			return fmt.Errorf("error saving keyset: %v", err)
		}
		m.keysets[keyset.Id] = *keyset
		m.activeKeyset = *keyset
	}

	// deactivate everything that is not the configured keyset
	for id, ks := range m.keysets {
		if id != m.activeKeyset.Id && ks.Active {
			if err := m.db.UpdateKeysetActive(id, false); err != nil {
				return err
			}
			ks.Active = false
			m.keysets[id] = ks
		}
	}

	return nil
}

func buildMintInfo(config Config, master *hdkeychain.ExtendedKey) (*nut06.MintInfo, error) {
	mintPubkey, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}

	bolt11MintSetting := nut06.MethodSetting{
		Method:    cashu.BOLT11_METHOD,
		Unit:      cashu.Sat.String(),
		MinAmount: config.Limits.MintingSettings.MinAmount,
		MaxAmount: config.Limits.MintingSettings.MaxAmount,
	}
	bolt11MeltSetting := nut06.MethodSetting{
		Method:    cashu.BOLT11_METHOD,
		Unit:      cashu.Sat.String(),
		MinAmount: config.Limits.MeltingSettings.MinAmount,
		MaxAmount: config.Limits.MeltingSettings.MaxAmount,
	}

	info := &nut06.MintInfo{
		Name:            config.MintInfo.Name,
		Pubkey:          hex.EncodeToString(mintPubkey.SerializeCompressed()),
		Version:         "cashmint/" + Version,
		Description:     config.MintInfo.Description,
		LongDescription: config.MintInfo.LongDescription,
		Contact:         config.MintInfo.Contact,
		Motd:            config.MintInfo.Motd,
		IconURL:         config.MintInfo.IconURL,
		URLs:            config.MintInfo.URLs,
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: []nut06.MethodSetting{bolt11MintSetting}},
			Nut05: nut06.NutSetting{Methods: []nut06.MethodSetting{bolt11MeltSetting}},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut12: nut06.Supported{Supported: true},
		},
	}
	return info, nil
}

// Shutdown stops the pending quotes checker and closes the db.
func (m *Mint) Shutdown() error {
	m.cancel()
	return m.db.Close()
}

// RequestMintQuote will process a request to mint tokens
// and returns a mint quote or an error.
// The request to mint a token is explained in
// NUT-04 here: https://github.com/cashubtc/nuts/blob/main/04.md.
func (m *Mint) RequestMintQuote(mintQuoteRequest nut04.PostMintQuoteBolt11Request) (storage.MintQuote, error) {
	if mintQuoteRequest.Unit != cashu.Sat.String() {
		errmsg := fmt.Sprintf("unit '%v' not supported", mintQuoteRequest.Unit)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	requestedAmount := mintQuoteRequest.Amount
	if m.limits.MintingSettings.MaxAmount > 0 {
		if requestedAmount > m.limits.MintingSettings.MaxAmount {
			return storage.MintQuote{}, cashu.MintAmountExceededErr
		}
	}
	if m.limits.MaxBalance > 0 {
		balance, err := m.db.GetBalance()
		if err != nil {
			errmsg := fmt.Sprintf("error getting mint balance: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		if balance+requestedAmount > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MintingDisabled
		}
	}

	invoice, err := m.lightningClient.CreateInvoice(requestedAmount)
	if err != nil {
		errmsg := fmt.Sprintf("error creating invoice: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}
	m.logger.Debug("created invoice from lightning backend", slog.String("hash", invoice.PaymentHash))

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return storage.MintQuote{}, cashu.StandardErr
	}
	mintQuote := storage.MintQuote{
		Id:             quoteId,
		Amount:         requestedAmount,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
	}

	if err := m.db.SaveMintQuote(mintQuote); err != nil {
		errmsg := fmt.Sprintf("error saving mint quote: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	m.logger.Info("created new mint quote",
		slog.String("id", mintQuote.Id),
		slog.Uint64("amount", mintQuote.Amount),
	)

	return mintQuote, nil
}

// GetMintQuoteState returns the state of a mint quote.
// Used to check whether a mint quote has been paid.
func (m *Mint) GetMintQuoteState(quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MintQuote{}, cashu.QuoteNotExistErr
		}
		errmsg := fmt.Sprintf("error getting mint quote: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	// check with the lightning backend if the invoice has been paid.
	// an expired invoice cannot be paid anymore so skip the check
	if mintQuote.State == nut04.Unpaid && time.Now().Unix() <= int64(mintQuote.Expiry) {
		status, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			errmsg := fmt.Sprintf("error getting invoice status: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}
		if status.Settled {
			err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid)
			if err != nil && !errors.Is(err, storage.ErrQuoteConflict) {
				errmsg := fmt.Sprintf("error updating mint quote: %v", err)
				return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
			// on conflict somebody else already moved the quote forward
			mintQuote, err = m.db.GetMintQuote(quoteId)
			if err != nil {
				errmsg := fmt.Sprintf("error getting mint quote: %v", err)
				return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
			}
			m.logger.Info("mint quote paid", slog.String("id", mintQuote.Id))
		}
	}

	return mintQuote, nil
}

// MintTokens verifies whether the mint quote has been paid and proceeds to
// sign the blinded messages if it was.
func (m *Mint) MintTokens(mintTokensRequest nut04.PostMintBolt11Request) (cashu.BlindedSignatures, error) {
	mintQuote, err := m.GetMintQuoteState(mintTokensRequest.Quote)
	if err != nil {
		return nil, err
	}

	if mintQuote.State == nut04.Issued {
		return nil, cashu.MintQuoteAlreadyIssued
	}
	if time.Now().Unix() > int64(mintQuote.Expiry) {
		return nil, cashu.QuoteExpiredErr
	}
	if mintQuote.State == nut04.Unpaid {
		return nil, cashu.MintQuoteRequestNotPaid
	}

	blindedMessages := mintTokensRequest.Outputs
	if err := m.verifyOutputs(blindedMessages); err != nil {
		return nil, err
	}
	if blindedMessages.Amount() != mintQuote.Amount {
		return nil, cashu.AmountsDoNotMatch
	}

	// mark the quote as issued before signing. If another request is
	// racing for the same quote only one of them gets to this point
	err = m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Paid, nut04.Issued)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteConflict) {
			return nil, cashu.MintQuoteAlreadyIssued
		}
		errmsg := fmt.Sprintf("error updating mint quote: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}
	m.logger.Info("issued ecash for mint quote",
		slog.String("id", mintQuote.Id),
		slog.Uint64("amount", mintQuote.Amount),
	)

	return blindedSignatures, nil
}

// Swap will process a request to swap tokens.
// A swap requires a set of valid proofs and blinded messages.
// If valid, the mint will sign the blindedMessages and invalidate
// the proofs that were used as input.
// It returns the BlindedSignatures.
func (m *Mint) Swap(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if err := m.verifyProofs(proofs); err != nil {
		return nil, err
	}
	if err := m.verifyOutputs(blindedMessages); err != nil {
		return nil, err
	}

	fees := m.TransactionFee(proofs)
	needed, ok := cashu.SumAmounts(blindedMessages.Amount(), fees)
	if !ok {
		return nil, cashu.AmountOverflowErr
	}
	if proofs.Amount() < needed {
		return nil, cashu.InsufficientProofsAmount
	}

	// invalidate the proofs and sign the outputs. Both writes go through
	// AddProofs first so that concurrent swaps spending any of the same
	// proofs cannot both get signatures
	if err := m.markProofsSpent(proofs, ""); err != nil {
		return nil, err
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}
	m.logger.Info("swap processed",
		slog.Uint64("inputs", proofs.Amount()),
		slog.Uint64("outputs", blindedMessages.Amount()),
	)

	return blindedSignatures, nil
}

// markProofsSpent writes the proofs with the passed state in a single
// atomic check-and-mark. Returns the appropriate cashu error if any of
// them was already in the ledger.
func (m *Mint) markProofsSpent(proofs cashu.Proofs, meltQuoteId string) error {
	state := nut07.Spent
	if meltQuoteId != "" {
		state = nut07.Pending
	}
	if err := m.db.AddProofs(proofs, meltQuoteId, state); err != nil {
		var proofsErr storage.ProofsExistError
		if errors.As(err, &proofsErr) {
			for _, proof := range proofsErr.Proofs {
				if proof.State == nut07.Pending {
					return cashu.ProofPendingErr
				}
			}
			return cashu.ProofAlreadyUsedErr
		}
		errmsg := fmt.Sprintf("error invalidating proofs: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	return nil
}

// CheckProofsState returns the state of each of the passed Ys.
// Ys the mint has never seen are reported as unspent.
func (m *Mint) CheckProofsState(Ys []string) ([]nut07.ProofState, error) {
	dbProofs, err := m.db.GetProofs(Ys)
	if err != nil {
		errmsg := fmt.Sprintf("error getting proofs: %v", err)
		return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	states := make(map[string]nut07.State, len(dbProofs))
	for _, dbProof := range dbProofs {
		states[dbProof.Y] = dbProof.State
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state := nut07.Unspent
		if used, ok := states[y]; ok {
			state = used
		}
		proofStates[i] = nut07.ProofState{Y: y, State: state}
	}
	return proofStates, nil
}

// keyset returns a snapshot of the keyset with the given id.
func (m *Mint) keyset(id string) (crypto.MintKeyset, bool) {
	m.keysetsMu.RLock()
	defer m.keysetsMu.RUnlock()
	keyset, ok := m.keysets[id]
	return keyset, ok
}

func (m *Mint) verifyProofs(proofs cashu.Proofs) error {
	if len(proofs) == 0 {
		return cashu.NoProofsProvided
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.DuplicateProofs
	}

	amounts := make([]uint64, len(proofs))
	for i, proof := range proofs {
		amounts[i] = proof.Amount
		keyset, ok := m.keyset(proof.Id)
		if !ok {
			return cashu.UnknownKeysetErr
		}
		keyPair, ok := keyset.Keys[proof.Amount]
		if !ok {
			return cashu.InvalidProofErr
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.InvalidProofErr
		}

		if !crypto.Verify(proof.Secret, keyPair.PrivateKey, C) {
			return cashu.InvalidProofErr
		}
	}

	if _, ok := cashu.SumAmounts(amounts...); !ok {
		return cashu.AmountOverflowErr
	}
	return nil
}

// verifyOutputs checks the blinded messages are all from the active
// keyset, valid curve points for valid amounts and have not been
// signed before. It rejects everything a later signing step could
// fail on so that callers can change state after it returns nil.
func (m *Mint) verifyOutputs(blindedMessages cashu.BlindedMessages) error {
	if len(blindedMessages) == 0 {
		return cashu.EmptyBodyErr
	}

	seen := make(map[string]bool, len(blindedMessages))
	Bs := make([]string, len(blindedMessages))
	amounts := make([]uint64, len(blindedMessages))
	for i, msg := range blindedMessages {
		amounts[i] = msg.Amount
		keyset, ok := m.keyset(msg.Id)
		if !ok {
			return cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return cashu.InactiveKeysetSignatureRequest
		}
		if _, ok := keyset.Keys[msg.Amount]; !ok {
			return cashu.InvalidBlindedMessageAmount
		}
		B_bytes, err := hex.DecodeString(msg.B_)
		if err == nil {
			_, err = secp256k1.ParsePubKey(B_bytes)
		}
		if err != nil {
			errmsg := fmt.Sprintf("invalid blinded message: %v", err)
			return cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}
		if seen[msg.B_] {
			return cashu.DuplicateOutputs
		}
		seen[msg.B_] = true
		Bs[i] = msg.B_
	}

	if _, ok := cashu.SumAmounts(amounts...); !ok {
		return cashu.AmountOverflowErr
	}

	signed, err := m.db.GetBlindSignatures(Bs)
	if err != nil {
		errmsg := fmt.Sprintf("error getting blind signatures: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	if len(signed) > 0 {
		return cashu.BlindedMessageAlreadySigned
	}
	return nil
}

// signBlindedMessages signs the blinded messages and attaches the DLEQ
// proof to each signature. Every signature gets persisted so that
// repeated requests with the same outputs can be rejected.
func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))

	for i, msg := range blindedMessages {
		keyset, ok := m.keyset(msg.Id)
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		keyPair, ok := keyset.Keys[msg.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, cashu.StandardErr
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			errmsg := fmt.Sprintf("invalid blinded message: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, keyPair.PrivateKey)
		C_hex := hex.EncodeToString(C_.SerializeCompressed())

		e, s, err := crypto.GenerateDLEQ(keyPair.PrivateKey, B_, C_)
		if err != nil {
			errmsg := fmt.Sprintf("error generating DLEQ proof: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}

		blindedSignature := cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     C_hex,
			Id:     keyset.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			},
		}

		if err := m.db.SaveBlindSignature(msg.B_, blindedSignature); err != nil {
			errmsg := fmt.Sprintf("error saving blind signature: %v", err)
			return nil, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		blindedSignatures[i] = blindedSignature
	}

	return blindedSignatures, nil
}

// TransactionFee returns the fee to charge for spending the passed
// proofs based on the input_fee_ppk of their keysets.
func (m *Mint) TransactionFee(inputs cashu.Proofs) uint64 {
	var feePpk uint64
	for _, proof := range inputs {
		keyset, _ := m.keyset(proof.Id)
		feePpk += uint64(keyset.InputFeePpk)
	}
	return (feePpk + 999) / 1000
}

// RotateKeyset generates a new keyset at the next derivation path index
// and inactivates the current active one. Both keyset changes are
// persisted in a single storage transaction.
func (m *Mint) RotateKeyset(fee uint) (*crypto.MintKeyset, error) {
	m.keysetsMu.Lock()
	defer m.keysetsMu.Unlock()

	seed, err := m.db.GetSeed()
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	newIdx := m.activeKeyset.DerivationPathIdx + 1
	keysetPath, err := crypto.DeriveKeysetPath(master, newIdx)
	if err != nil {
		return nil, err
	}
	newKeyset, err := crypto.GenerateKeyset(keysetPath, newIdx, fee)
	if err != nil {
		return nil, err
	}

	dbKeyset := storage.DBKeyset{
		Id:                newKeyset.Id,
		Unit:              newKeyset.Unit,
		Active:            true,
		DerivationPathIdx: newKeyset.DerivationPathIdx,
		InputFeePpk:       newKeyset.InputFeePpk,
	}
	if err := m.db.RotateKeyset(dbKeyset, m.activeKeyset.Id); err != nil {
		return nil, err
	}

	inactive := m.activeKeyset
	inactive.Active = false
	m.keysets[inactive.Id] = inactive
	m.activeKeyset = *newKeyset
	m.keysets[newKeyset.Id] = *newKeyset

	m.logger.Info("rotated keyset",
		slog.String("previous", inactive.Id),
		slog.String("active", newKeyset.Id),
	)
	return newKeyset, nil
}

func (m *Mint) GetActiveKeyset() crypto.MintKeyset {
	m.keysetsMu.RLock()
	defer m.keysetsMu.RUnlock()
	return m.activeKeyset
}

func (m *Mint) GetKeysets() map[string]crypto.MintKeyset {
	m.keysetsMu.RLock()
	defer m.keysetsMu.RUnlock()

	keysets := make(map[string]crypto.MintKeyset, len(m.keysets))
	for id, keyset := range m.keysets {
		keysets[id] = keyset
	}
	return keysets
}

func (m *Mint) RetrieveMintInfo() (nut06.MintInfo, error) {
	mintInfo := m.mintInfo
	mintInfo.Time = time.Now().Unix()
	return mintInfo, nil
}

func (m *Mint) ListKeysets() nut02.GetKeysetsResponse {
	m.keysetsMu.RLock()
	defer m.keysetsMu.RUnlock()

	keysetsResponse := nut02.GetKeysetsResponse{Keysets: make([]nut02.Keyset, 0, len(m.keysets))}
	for _, keyset := range m.keysets {
		keysetsResponse.Keysets = append(keysetsResponse.Keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	return keysetsResponse
}

// IssuedEcash is the total amount of ecash the mint has signed
func (m *Mint) IssuedEcash() (uint64, error) {
	return m.db.GetIssuedTotal()
}

// RedeemedEcash is the total amount of proofs spent back at the mint
func (m *Mint) RedeemedEcash() (uint64, error) {
	return m.db.GetRedeemedTotal()
}

// Balance is the amount of ecash in circulation (issued - redeemed)
func (m *Mint) Balance() (uint64, error) {
	return m.db.GetBalance()
}

// LedgerSize is the number of proofs in the double-spend ledger
func (m *Mint) LedgerSize() (uint64, error) {
	return m.db.GetProofsCount()
}

// PendingMeltQuotes returns the melt quotes with payments in flight
func (m *Mint) PendingMeltQuotes() ([]storage.MeltQuote, error) {
	return m.db.GetMeltQuotesByState(nut05.Pending)
}
