package mint

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cashmint/cashmint/cashu"
	"github.com/cashmint/cashmint/cashu/nuts/nut05"
	"github.com/cashmint/cashmint/cashu/nuts/nut07"
	"github.com/cashmint/cashmint/crypto"
	"github.com/cashmint/cashmint/mint/lightning"
	"github.com/cashmint/cashmint/mint/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// RequestMeltQuote will process a request to melt tokens and return a melt quote.
// A melt is requested by a wallet to request the mint to pay an invoice.
// The request to melt tokens is explained in
// NUT-05 here: https://github.com/cashubtc/nuts/blob/main/05.md.
func (m *Mint) RequestMeltQuote(meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (storage.MeltQuote, error) {
	if meltQuoteRequest.Unit != cashu.Sat.String() {
		errmsg := fmt.Sprintf("unit '%v' not supported", meltQuoteRequest.Unit)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	request := meltQuoteRequest.Request
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		errmsg := fmt.Sprintf("invalid invoice: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.MeltQuoteErrCode)
	}
	if bolt11.MSatoshi == 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError(
			"invoice has no amount", cashu.MeltQuoteErrCode)
	}
	satAmount := uint64(bolt11.MSatoshi) / 1000

	if m.limits.MeltingSettings.MaxAmount > 0 {
		if satAmount > m.limits.MeltingSettings.MaxAmount {
			return storage.MeltQuote{}, cashu.MeltAmountExceededErr
		}
	}

	// only one quote per invoice
	_, err = m.db.GetMeltQuoteByPaymentRequest(request)
	if err == nil {
		return storage.MeltQuote{}, cashu.MeltQuoteForRequestExists
	}
	if !errors.Is(err, storage.ErrNotFound) {
		errmsg := fmt.Sprintf("error getting melt quote: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return storage.MeltQuote{}, cashu.StandardErr
	}

	meltQuote := storage.MeltQuote{
		Id:             quoteId,
		InvoiceRequest: request,
		PaymentHash:    bolt11.PaymentHash,
		Amount:         satAmount,
		FeeReserve:     m.lightningClient.FeeReserve(satAmount),
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
	}
	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		errmsg := fmt.Sprintf("error saving melt quote: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	m.logger.Info("created new melt quote",
		slog.String("id", meltQuote.Id),
		slog.Uint64("amount", meltQuote.Amount),
	)

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote.
// If the quote is pending it asks the lightning backend whether the
// payment reached a terminal state and resolves the quote accordingly.
func (m *Mint) GetMeltQuoteState(ctx context.Context, quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MeltQuote{}, cashu.QuoteNotExistErr
		}
		errmsg := fmt.Sprintf("error getting melt quote: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	if meltQuote.State == nut05.Pending {
		resolved, err := m.resolvePendingMeltQuote(ctx, meltQuote)
		if err != nil {
			return storage.MeltQuote{}, err
		}
		meltQuote = resolved
	}

	return meltQuote, nil
}

// MeltTokens verifies whether proofs provided are valid
// and proceeds to attempt payment.
func (m *Mint) MeltTokens(ctx context.Context, meltTokensRequest nut05.PostMeltBolt11Request) (nut05.PostMeltQuoteBolt11Response, error) {
	meltQuote, err := m.db.GetMeltQuote(meltTokensRequest.Quote)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nut05.PostMeltQuoteBolt11Response{}, cashu.QuoteNotExistErr
		}
		errmsg := fmt.Sprintf("error getting melt quote: %v", err)
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	switch meltQuote.State {
	case nut05.Paid:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.MeltQuoteAlreadyPaid
	case nut05.Pending:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuotePending
	}
	if time.Now().Unix() > int64(meltQuote.Expiry) {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuoteExpiredErr
	}

	proofs := meltTokensRequest.Inputs
	if err := m.verifyProofs(proofs); err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, err
	}

	fees := m.TransactionFee(proofs)
	needed, ok := cashu.SumAmounts(meltQuote.Amount, meltQuote.FeeReserve, fees)
	if !ok {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.AmountOverflowErr
	}
	if proofs.Amount() < needed {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.InsufficientProofsAmount
	}

	// outputs for returning the unused fee reserve as change (NUT-08)
	blankOutputs := meltTokensRequest.Outputs
	if len(blankOutputs) > 0 {
		if err := m.verifyOutputs(blankOutputs); err != nil {
			return nut05.PostMeltQuoteBolt11Response{}, err
		}
	}

	// mark the quote as pending before the payment attempt. Only one
	// request gets to make the payment for this quote
	err = m.db.UpdateMeltQuote(meltQuote.Id, "", nut05.Unpaid, nut05.Pending)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteConflict) {
			return nut05.PostMeltQuoteBolt11Response{}, cashu.QuotePending
		}
		errmsg := fmt.Sprintf("error updating melt quote: %v", err)
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	meltQuote.State = nut05.Pending

	// commit the proofs as pending tied to this quote. If any of them
	// is getting spent by a concurrent request, roll the quote back
	if err := m.markProofsSpent(proofs, meltQuote.Id); err != nil {
		if rollbackErr := m.db.UpdateMeltQuote(meltQuote.Id, "", nut05.Pending, nut05.Unpaid); rollbackErr != nil {
			m.logger.Error("error rolling back melt quote",
				slog.String("id", meltQuote.Id),
				slog.String("error", rollbackErr.Error()),
			)
		}
		return nut05.PostMeltQuoteBolt11Response{}, err
	}

	m.logger.Info("attempting lightning payment for melt quote",
		slog.String("id", meltQuote.Id),
		slog.Uint64("amount", meltQuote.Amount),
	)

	// do not tie the payment to the request context. The payment
	// continues even if the client goes away
	payCtx, cancel := context.WithTimeout(context.Background(), m.meltTimeout)
	defer cancel()
	status, payErr := m.lightningClient.SendPayment(payCtx, meltQuote.InvoiceRequest, meltQuote.Amount)

	// only settle on an explicit success. A backend error without a
	// terminal status leaves the quote pending for the checker
	switch {
	case payErr == nil && status.PaymentStatus == lightning.Succeeded:
		Ys, err := proofYs(proofs)
		if err != nil {
			return nut05.PostMeltQuoteBolt11Response{}, cashu.StandardErr
		}
		return m.settleMeltQuote(meltQuote, status, Ys, proofs.Amount()-fees, blankOutputs)

	case status.PaymentStatus == lightning.Failed:
		// payment failed definitively so the proofs can be unlocked
		// and the quote tried again
		m.logger.Info("payment failed for melt quote",
			slog.String("id", meltQuote.Id),
			slog.String("error", fmt.Sprintf("%v", payErr)),
		)
		if err := m.rollbackMeltQuote(meltQuote, proofs); err != nil {
			return nut05.PostMeltQuoteBolt11Response{}, err
		}
		errmsg := fmt.Sprintf("payment failed: %v", payErr)
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(errmsg, cashu.PaymentFailedErrCode)

	default:
		// no terminal status for the payment. Leave the quote and
		// proofs as pending to get resolved later
		m.logger.Info("payment result unknown, leaving melt quote as pending",
			slog.String("id", meltQuote.Id),
		)
		return quoteResponse(meltQuote, nil), nil
	}
}

// settleMeltQuote marks the quote as paid, invalidates the proofs held
// for it and signs any change outputs for the leftover fee reserve.
func (m *Mint) settleMeltQuote(
	meltQuote storage.MeltQuote,
	status lightning.PaymentStatus,
	Ys []string,
	inputAmount uint64,
	blankOutputs cashu.BlindedMessages,
) (nut05.PostMeltQuoteBolt11Response, error) {
	if err := m.db.UpdateProofsState(Ys, nut07.Spent); err != nil {
		errmsg := fmt.Sprintf("error invalidating proofs: %v", err)
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	err := m.db.UpdateMeltQuote(meltQuote.Id, status.Preimage, nut05.Pending, nut05.Paid)
	if err != nil && !errors.Is(err, storage.ErrQuoteConflict) {
		errmsg := fmt.Sprintf("error updating melt quote: %v", err)
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	meltQuote.State = nut05.Paid
	meltQuote.Preimage = status.Preimage

	var change cashu.BlindedSignatures
	if len(blankOutputs) > 0 {
		var overpaid uint64
		if spent := meltQuote.Amount + status.FeePaid; inputAmount > spent {
			overpaid = inputAmount - spent
		}
		if overpaid > 0 {
			change, err = m.signChangeOutputs(overpaid, blankOutputs)
			if err != nil {
				m.logger.Error("error signing change outputs",
					slog.String("id", meltQuote.Id),
					slog.String("error", err.Error()),
				)
				change = nil
			}
		}
	}

	m.logger.Info("melt quote paid",
		slog.String("id", meltQuote.Id),
		slog.Uint64("amount", meltQuote.Amount),
		slog.Uint64("fee_paid", status.FeePaid),
	)
	return quoteResponse(meltQuote, change), nil
}

// rollbackMeltQuote releases the proofs held for the quote and puts it
// back to unpaid after a definitive payment failure.
func (m *Mint) rollbackMeltQuote(meltQuote storage.MeltQuote, proofs cashu.Proofs) error {
	Ys, err := proofYs(proofs)
	if err != nil {
		return cashu.StandardErr
	}
	if err := m.db.DeleteProofs(Ys); err != nil {
		errmsg := fmt.Sprintf("error removing proofs: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	err = m.db.UpdateMeltQuote(meltQuote.Id, "", nut05.Pending, nut05.Unpaid)
	if err != nil && !errors.Is(err, storage.ErrQuoteConflict) {
		errmsg := fmt.Sprintf("error updating melt quote: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	return nil
}

// signChangeOutputs overwrites the amounts of the blank outputs with the
// decomposition of the overpaid amount and signs them. If the
// decomposition has more amounts than there are outputs, the largest
// ones are kept.
func (m *Mint) signChangeOutputs(overpaid uint64, blankOutputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	amounts := cashu.AmountSplit(overpaid)
	if len(amounts) > len(blankOutputs) {
		amounts = amounts[len(amounts)-len(blankOutputs):]
	}

	outputs := make(cashu.BlindedMessages, len(amounts))
	for i, amount := range amounts {
		output := blankOutputs[i]
		output.Amount = amount
		outputs[i] = output
	}
	return m.signBlindedMessages(outputs)
}

// checkPendingMeltQuotes looks for quotes with payments still in flight
// and resolves the ones that reached a terminal state.
func (m *Mint) checkPendingMeltQuotes(ctx context.Context) error {
	pendingQuotes, err := m.db.GetMeltQuotesByState(nut05.Pending)
	if err != nil {
		return fmt.Errorf("error getting pending melt quotes: %v", err)
	}
	if len(pendingQuotes) == 0 {
		return nil
	}
	m.logger.Info("checking pending melt quotes", slog.Int("count", len(pendingQuotes)))

	for _, quote := range pendingQuotes {
		if _, err := m.resolvePendingMeltQuote(ctx, quote); err != nil {
			m.logger.Error("error resolving pending melt quote",
				slog.String("id", quote.Id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// resolvePendingMeltQuote checks the status of the payment for a
// pending quote and settles or rolls it back if it reached a terminal
// state. Quotes whose payment is still in flight are left untouched.
func (m *Mint) resolvePendingMeltQuote(ctx context.Context, meltQuote storage.MeltQuote) (storage.MeltQuote, error) {
	statusCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	status, err := m.lightningClient.OutgoingPaymentStatus(statusCtx, meltQuote.PaymentHash)

	paymentFailed := status.PaymentStatus == lightning.Failed ||
		errors.Is(err, lightning.OutgoingPaymentNotFound)

	switch {
	case err == nil && status.PaymentStatus == lightning.Succeeded:
		dbProofs, err := m.db.GetProofsByQuote(meltQuote.Id)
		if err != nil {
			errmsg := fmt.Sprintf("error getting proofs for quote: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		Ys := make([]string, len(dbProofs))
		for i, dbProof := range dbProofs {
			Ys[i] = dbProof.Y
		}
		if err := m.db.UpdateProofsState(Ys, nut07.Spent); err != nil {
			errmsg := fmt.Sprintf("error invalidating proofs: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		err = m.db.UpdateMeltQuote(meltQuote.Id, status.Preimage, nut05.Pending, nut05.Paid)
		if err != nil && !errors.Is(err, storage.ErrQuoteConflict) {
			errmsg := fmt.Sprintf("error updating melt quote: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		meltQuote.State = nut05.Paid
		meltQuote.Preimage = status.Preimage
		m.logger.Info("pending melt quote settled", slog.String("id", meltQuote.Id))
		return meltQuote, nil

	case paymentFailed:
		dbProofs, err := m.db.GetProofsByQuote(meltQuote.Id)
		if err != nil {
			errmsg := fmt.Sprintf("error getting proofs for quote: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		Ys := make([]string, len(dbProofs))
		for i, dbProof := range dbProofs {
			Ys[i] = dbProof.Y
		}
		if err := m.db.DeleteProofs(Ys); err != nil {
			errmsg := fmt.Sprintf("error removing proofs: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		err = m.db.UpdateMeltQuote(meltQuote.Id, "", nut05.Pending, nut05.Unpaid)
		if err != nil && !errors.Is(err, storage.ErrQuoteConflict) {
			errmsg := fmt.Sprintf("error updating melt quote: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		meltQuote.State = nut05.Unpaid
		m.logger.Info("pending melt quote reverted after payment failure",
			slog.String("id", meltQuote.Id))
		return meltQuote, nil

	default:
		return meltQuote, nil
	}
}

func proofYs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys, nil
}

func quoteResponse(meltQuote storage.MeltQuote, change cashu.BlindedSignatures) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      meltQuote.Id,
		Amount:     meltQuote.Amount,
		FeeReserve: meltQuote.FeeReserve,
		State:      meltQuote.State,
		Expiry:     meltQuote.Expiry,
		Preimage:   meltQuote.Preimage,
		Change:     change,
	}
}
