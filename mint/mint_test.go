package mint_test

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cashmint/cashmint/cashu"
	"github.com/cashmint/cashmint/cashu/nuts/nut01"
	"github.com/cashmint/cashmint/cashu/nuts/nut04"
	"github.com/cashmint/cashmint/cashu/nuts/nut05"
	"github.com/cashmint/cashmint/cashu/nuts/nut07"
	"github.com/cashmint/cashmint/cashu/nuts/nut12"
	"github.com/cashmint/cashmint/crypto"
	"github.com/cashmint/cashmint/mint"
	"github.com/cashmint/cashmint/mint/lightning"
	"github.com/cashmint/cashmint/testutils"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func testMint(t *testing.T, backend lightning.Client, inputFeePpk uint, limits mint.MintLimits) *mint.Mint {
	m, err := testutils.CreateTestMint(backend, t.TempDir(), inputFeePpk, limits)
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}
	t.Cleanup(func() { m.Shutdown() })
	return m
}

func TestRequestMintQuote(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	var mintAmount uint64 = 10000
	mintQuoteRequest := nut04.PostMintQuoteBolt11Request{Amount: mintAmount, Unit: cashu.Sat.String()}
	_, err := m.RequestMintQuote(mintQuoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	// test invalid unit
	mintQuoteRequest = nut04.PostMintQuoteBolt11Request{Amount: mintAmount, Unit: "eth"}
	_, err = m.RequestMintQuote(mintQuoteRequest)
	cashuErr, ok := err.(*cashu.Error)
	if !ok {
		t.Fatalf("expected cashu error but got '%v' instead", err)
	}
	if cashuErr.Code != cashu.UnitErrCode {
		t.Fatalf("expected error code '%v' but got '%v' instead", cashu.UnitErrCode, cashuErr.Code)
	}
}

func TestMintQuoteState(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	fakeBackend.AutoSettle = false
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	mintQuoteRequest := nut04.PostMintQuoteBolt11Request{Amount: 2100, Unit: cashu.Sat.String()}
	mintQuote, err := m.RequestMintQuote(mintQuoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	// test invalid quote
	_, err = m.GetMintQuoteState("mintquote1234")
	if !errors.Is(err, cashu.QuoteNotExistErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.QuoteNotExistErr, err)
	}

	// quote unpaid while invoice has not been settled
	quote, err := m.GetMintQuoteState(mintQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting quote state: %v", err)
	}
	if quote.State != nut04.Unpaid {
		t.Fatalf("expected quote state '%v' but got '%v' instead", nut04.Unpaid, quote.State)
	}

	if err := fakeBackend.SettleInvoice(mintQuote.PaymentHash); err != nil {
		t.Fatalf("error settling invoice: %v", err)
	}

	quote, err = m.GetMintQuoteState(mintQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting quote state: %v", err)
	}
	if quote.State != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v' instead", nut04.Paid, quote.State)
	}
}

func TestMintQuoteExpired(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	fakeBackend.InvoiceExpiry = -time.Minute
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	var mintAmount uint64 = 2100
	mintQuoteRequest := nut04.PostMintQuoteBolt11Request{Amount: mintAmount, Unit: cashu.Sat.String()}
	mintQuote, err := m.RequestMintQuote(mintQuoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	// the invoice got paid but the quote had already expired
	if err := fakeBackend.SettleInvoice(mintQuote.PaymentHash); err != nil {
		t.Fatalf("error settling invoice: %v", err)
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(mintAmount, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	mintTokensRequest := nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: blindedMessages}
	_, err = m.MintTokens(mintTokensRequest)
	if !errors.Is(err, cashu.QuoteExpiredErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.QuoteExpiredErr, err)
	}
}

func TestMintTokens(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	fakeBackend.AutoSettle = false
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	var mintAmount uint64 = 42
	mintQuoteRequest := nut04.PostMintQuoteBolt11Request{Amount: mintAmount, Unit: cashu.Sat.String()}
	mintQuote, err := m.RequestMintQuote(mintQuoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, secrets, rs, err := testutils.CreateBlindedMessages(mintAmount, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	// quote has not been paid
	mintTokensRequest := nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: blindedMessages}
	_, err = m.MintTokens(mintTokensRequest)
	if !errors.Is(err, cashu.MintQuoteRequestNotPaid) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.MintQuoteRequestNotPaid, err)
	}

	if err := fakeBackend.SettleInvoice(mintQuote.PaymentHash); err != nil {
		t.Fatalf("error settling invoice: %v", err)
	}

	// outputs over the quote amount
	overBlindedMessages, _, _, err := testutils.CreateBlindedMessages(mintAmount*2, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	mintTokensRequest = nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: overBlindedMessages}
	_, err = m.MintTokens(mintTokensRequest)
	if !errors.Is(err, cashu.AmountsDoNotMatch) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.AmountsDoNotMatch, err)
	}

	mintTokensRequest = nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: blindedMessages}
	blindedSignatures, err := m.MintTokens(mintTokensRequest)
	if err != nil {
		t.Fatalf("got unexpected error minting tokens: %v", err)
	}
	if len(blindedSignatures) != len(blindedMessages) {
		t.Fatalf("expected '%v' signatures but got '%v' instead", len(blindedMessages), len(blindedSignatures))
	}
	if blindedSignatures.Amount() != mintAmount {
		t.Fatalf("expected signatures for amount '%v' but got '%v' instead", mintAmount, blindedSignatures.Amount())
	}

	// signatures carry a valid DLEQ proof against the keyset pubkeys
	proofs, err := testutils.ConstructProofs(blindedSignatures, secrets, rs, keysetResponse(m))
	if err != nil {
		t.Fatalf("error constructing proofs: %v", err)
	}
	if !nut12.VerifyProofsDLEQ(proofs, keyset.PublicKeys()) {
		t.Fatal("DLEQ proofs in signatures did not verify")
	}

	// quote was already issued
	_, err = m.MintTokens(mintTokensRequest)
	if !errors.Is(err, cashu.MintQuoteAlreadyIssued) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.MintQuoteAlreadyIssued, err)
	}
}

func TestConcurrentMintTokens(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	var mintAmount uint64 = 64
	mintQuoteRequest := nut04.PostMintQuoteBolt11Request{Amount: mintAmount, Unit: cashu.Sat.String()}
	mintQuote, err := m.RequestMintQuote(mintQuoteRequest)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	keyset := m.GetActiveKeyset()

	const attempts = 5
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		blindedMessages, _, _, err := testutils.CreateBlindedMessages(mintAmount, keyset.Id)
		if err != nil {
			t.Fatalf("error creating blinded messages: %v", err)
		}
		wg.Add(1)
		go func(i int, outputs cashu.BlindedMessages) {
			defer wg.Done()
			req := nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: outputs}
			_, errs[i] = m.MintTokens(req)
		}(i, blindedMessages)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, cashu.MintQuoteAlreadyIssued) {
			t.Errorf("expected '%v' but got '%v' instead", cashu.MintQuoteAlreadyIssued, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 successful mint but got '%v' instead", succeeded)
	}
}

func TestSwap(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	var amount uint64 = 10000
	proofs, err := testutils.GetValidProofsForAmount(amount, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	// no proofs provided
	_, err = m.Swap(cashu.Proofs{}, blindedMessages)
	if !errors.Is(err, cashu.NoProofsProvided) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.NoProofsProvided, err)
	}

	// duplicate proofs in request
	duplicate := append(cashu.Proofs{}, proofs...)
	duplicate = append(duplicate, proofs[0])
	_, err = m.Swap(duplicate, blindedMessages)
	if !errors.Is(err, cashu.DuplicateProofs) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.DuplicateProofs, err)
	}

	// unknown keyset in proofs
	unknownKeysetProofs := append(cashu.Proofs{}, proofs...)
	unknownKeysetProofs[0].Id = "0011223344556677"
	_, err = m.Swap(unknownKeysetProofs, blindedMessages)
	if !errors.Is(err, cashu.UnknownKeysetErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.UnknownKeysetErr, err)
	}

	// invalid signature on proof
	invalidProofs := append(cashu.Proofs{}, proofs...)
	invalidProofs[0].C = "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea"
	_, err = m.Swap(invalidProofs, blindedMessages)
	if !errors.Is(err, cashu.InvalidProofErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.InvalidProofErr, err)
	}

	signatures, err := m.Swap(proofs, blindedMessages)
	if err != nil {
		t.Fatalf("got unexpected error in swap: %v", err)
	}
	if signatures.Amount() != amount {
		t.Fatalf("expected signatures for amount '%v' but got '%v' instead", amount, signatures.Amount())
	}

	// swapping the same proofs again fails
	freshOutputs, _, _, err := testutils.CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	_, err = m.Swap(proofs, freshOutputs)
	if !errors.Is(err, cashu.ProofAlreadyUsedErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.ProofAlreadyUsedErr, err)
	}

	// previously signed outputs get rejected
	newProofs, err := testutils.GetValidProofsForAmount(amount, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}
	_, err = m.Swap(newProofs, blindedMessages)
	if !errors.Is(err, cashu.BlindedMessageAlreadySigned) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.BlindedMessageAlreadySigned, err)
	}
}

func TestSwapInvalidBlindedMessage(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	var amount uint64 = 2100
	proofs, err := testutils.GetValidProofsForAmount(amount, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	// outputs with a B_ that is not a valid curve point get rejected
	invalidOutputs := append(cashu.BlindedMessages{}, blindedMessages...)
	invalidOutputs[0].B_ = "ff"
	_, err = m.Swap(proofs, invalidOutputs)
	cashuErr, ok := err.(*cashu.Error)
	if !ok || cashuErr.Code != cashu.StandardErrCode {
		t.Fatalf("expected standard error but got '%v' instead", err)
	}

	// the input proofs were not touched by the failed swap
	states, err := m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range states {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Unspent, state.State)
		}
	}

	// the same proofs can still be swapped with valid outputs
	if _, err := m.Swap(proofs, blindedMessages); err != nil {
		t.Fatalf("got unexpected error in swap: %v", err)
	}
}

func TestSwapAmountOverflow(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	proofs, err := testutils.GetValidProofsForAmount(64, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}
	keyset := m.GetActiveKeyset()

	// output amounts that wrap around uint64 back to the input amount
	amounts := []uint64{1 << 63, 1 << 63, 64}
	outputs := make(cashu.BlindedMessages, len(amounts))
	for i, amount := range amounts {
		privKey, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("error generating key: %v", err)
		}
		outputs[i] = cashu.NewBlindedMessage(keyset.Id, amount, privKey.PubKey())
	}

	_, err = m.Swap(proofs, outputs)
	if !errors.Is(err, cashu.AmountOverflowErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.AmountOverflowErr, err)
	}

	// the input proofs were not touched by the failed swap
	states, err := m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range states {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Unspent, state.State)
		}
	}
}

func TestSwapWithFees(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 100, mint.MintLimits{})

	var amount uint64 = 5000
	proofs, err := testutils.GetValidProofsForAmount(amount, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}
	fees := m.TransactionFee(proofs)
	if fees == 0 {
		t.Fatal("expected non-zero fee for swap inputs")
	}

	keyset := m.GetActiveKeyset()

	// outputs equal to inputs do not leave room for the fee
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(proofs.Amount(), keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	_, err = m.Swap(proofs, blindedMessages)
	if !errors.Is(err, cashu.InsufficientProofsAmount) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.InsufficientProofsAmount, err)
	}

	blindedMessages, _, _, err = testutils.CreateBlindedMessages(proofs.Amount()-fees, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	signatures, err := m.Swap(proofs, blindedMessages)
	if err != nil {
		t.Fatalf("got unexpected error in swap: %v", err)
	}
	if signatures.Amount() != proofs.Amount()-fees {
		t.Fatalf("expected signatures for amount '%v' but got '%v' instead",
			proofs.Amount()-fees, signatures.Amount())
	}
}

func TestConcurrentSwapDoubleSpend(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	var amount uint64 = 2100
	proofs, err := testutils.GetValidProofsForAmount(amount, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	keyset := m.GetActiveKeyset()

	const attempts = 10
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		blindedMessages, _, _, err := testutils.CreateBlindedMessages(amount, keyset.Id)
		if err != nil {
			t.Fatalf("error creating blinded messages: %v", err)
		}
		wg.Add(1)
		go func(i int, outputs cashu.BlindedMessages) {
			defer wg.Done()
			_, errs[i] = m.Swap(proofs, outputs)
		}(i, blindedMessages)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, cashu.ProofAlreadyUsedErr) {
			t.Errorf("expected '%v' but got '%v' instead", cashu.ProofAlreadyUsedErr, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 successful swap but got '%v' instead", succeeded)
	}
}

func TestRequestMeltQuote(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	payee := lightning.NewFakeBackend()
	invoice, err := payee.CreateInvoice(2100)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	// test invalid unit
	meltRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: "eth"}
	_, err = m.RequestMeltQuote(meltRequest)
	cashuErr, ok := err.(*cashu.Error)
	if !ok || cashuErr.Code != cashu.UnitErrCode {
		t.Fatalf("expected unit error but got '%v' instead", err)
	}

	// test invalid invoice
	meltRequest = nut05.PostMeltQuoteBolt11Request{Request: "lnbcrt21notaninvoice", Unit: cashu.Sat.String()}
	if _, err := m.RequestMeltQuote(meltRequest); err == nil {
		t.Fatal("expected error for invalid invoice")
	}

	meltRequest = nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: cashu.Sat.String()}
	meltQuote, err := m.RequestMeltQuote(meltRequest)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}
	if meltQuote.Amount != 2100 {
		t.Fatalf("expected quote amount '%v' but got '%v' instead", 2100, meltQuote.Amount)
	}
	if meltQuote.State != nut05.Unpaid {
		t.Fatalf("expected quote state '%v' but got '%v' instead", nut05.Unpaid, meltQuote.State)
	}

	// another quote for the same invoice gets rejected
	_, err = m.RequestMeltQuote(meltRequest)
	if !errors.Is(err, cashu.MeltQuoteForRequestExists) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.MeltQuoteForRequestExists, err)
	}
}

func TestMeltTokens(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	fakeBackend.FeeUnits = 2
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	payee := lightning.NewFakeBackend()
	invoice, err := payee.CreateInvoice(1000)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	meltRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: cashu.Sat.String()}
	meltQuote, err := m.RequestMeltQuote(meltRequest)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}

	proofs, err := testutils.GetValidProofsForAmount(meltQuote.Amount+meltQuote.FeeReserve, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	// test melt with invalid quote id
	invalidQuoteRequest := nut05.PostMeltBolt11Request{Quote: "invalid", Inputs: proofs}
	_, err = m.MeltTokens(context.Background(), invalidQuoteRequest)
	if !errors.Is(err, cashu.QuoteNotExistErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.QuoteNotExistErr, err)
	}

	// test insufficient inputs
	lowProofs, err := testutils.GetValidProofsForAmount(meltQuote.Amount/2, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}
	lowRequest := nut05.PostMeltBolt11Request{Quote: meltQuote.Id, Inputs: lowProofs}
	_, err = m.MeltTokens(context.Background(), lowRequest)
	if !errors.Is(err, cashu.InsufficientProofsAmount) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.InsufficientProofsAmount, err)
	}

	// blank outputs to get the unused fee reserve back as change
	keyset := m.GetActiveKeyset()
	blankOutputs, _, _, err := testutils.CreateBlindedMessages(1, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	meltTokensRequest := nut05.PostMeltBolt11Request{Quote: meltQuote.Id, Inputs: proofs, Outputs: blankOutputs}
	meltResponse, err := m.MeltTokens(context.Background(), meltTokensRequest)
	if err != nil {
		t.Fatalf("got unexpected error melting tokens: %v", err)
	}
	if meltResponse.State != nut05.Paid {
		t.Fatalf("expected melt quote state '%v' but got '%v' instead", nut05.Paid, meltResponse.State)
	}
	if meltResponse.Preimage != lightning.FakePreimage {
		t.Fatalf("expected preimage '%v' but got '%v' instead", lightning.FakePreimage, meltResponse.Preimage)
	}
	// fake backend reported no fee paid so the whole reserve comes back
	if meltResponse.Change.Amount() != meltQuote.FeeReserve {
		t.Fatalf("expected change for amount '%v' but got '%v' instead",
			meltQuote.FeeReserve, meltResponse.Change.Amount())
	}

	// proofs used in the melt are now spent
	proofStates, err := m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range proofStates {
		if state.State != nut07.Spent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Spent, state.State)
		}
	}

	// melting for a paid quote gets rejected
	_, err = m.MeltTokens(context.Background(), meltTokensRequest)
	if !errors.Is(err, cashu.MeltQuoteAlreadyPaid) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.MeltQuoteAlreadyPaid, err)
	}
}

func TestMeltPaymentFailure(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	fakeBackend.PaymentMode = lightning.FailPayment
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	payee := lightning.NewFakeBackend()
	invoice, err := payee.CreateInvoice(2100)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	meltRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: cashu.Sat.String()}
	meltQuote, err := m.RequestMeltQuote(meltRequest)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}

	proofs, err := testutils.GetValidProofsForAmount(meltQuote.Amount+meltQuote.FeeReserve, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	meltTokensRequest := nut05.PostMeltBolt11Request{Quote: meltQuote.Id, Inputs: proofs}
	_, err = m.MeltTokens(context.Background(), meltTokensRequest)
	cashuErr, ok := err.(*cashu.Error)
	if !ok || cashuErr.Code != cashu.PaymentFailedErrCode {
		t.Fatalf("expected payment failed error but got '%v' instead", err)
	}

	// quote went back to unpaid and the proofs were released
	quote, err := m.GetMeltQuoteState(context.Background(), meltQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting melt quote state: %v", err)
	}
	if quote.State != nut05.Unpaid {
		t.Fatalf("expected quote state '%v' but got '%v' instead", nut05.Unpaid, quote.State)
	}
	proofStates, err := m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range proofStates {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Unspent, state.State)
		}
	}

	// the quote can be retried once the backend works again
	fakeBackend.PaymentMode = lightning.SucceedPayment
	meltResponse, err := m.MeltTokens(context.Background(), meltTokensRequest)
	if err != nil {
		t.Fatalf("got unexpected error melting tokens: %v", err)
	}
	if meltResponse.State != nut05.Paid {
		t.Fatalf("expected melt quote state '%v' but got '%v' instead", nut05.Paid, meltResponse.State)
	}
}

func TestMeltPendingPayment(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	fakeBackend.PaymentMode = lightning.PendingPayment
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	payee := lightning.NewFakeBackend()
	invoice, err := payee.CreateInvoice(2100)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	meltRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: cashu.Sat.String()}
	meltQuote, err := m.RequestMeltQuote(meltRequest)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}

	proofs, err := testutils.GetValidProofsForAmount(meltQuote.Amount+meltQuote.FeeReserve, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	meltTokensRequest := nut05.PostMeltBolt11Request{Quote: meltQuote.Id, Inputs: proofs}
	meltResponse, err := m.MeltTokens(context.Background(), meltTokensRequest)
	if err != nil {
		t.Fatalf("got unexpected error melting tokens: %v", err)
	}
	if meltResponse.State != nut05.Pending {
		t.Fatalf("expected melt quote state '%v' but got '%v' instead", nut05.Pending, meltResponse.State)
	}

	// proofs are held as pending while the payment is in flight
	proofStates, err := m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range proofStates {
		if state.State != nut07.Pending {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Pending, state.State)
		}
	}

	// another melt for the same quote gets rejected while pending
	_, err = m.MeltTokens(context.Background(), meltTokensRequest)
	if !errors.Is(err, cashu.QuotePending) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.QuotePending, err)
	}

	// spending the held proofs in a swap gets rejected
	keyset := m.GetActiveKeyset()
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(proofs.Amount(), keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	_, err = m.Swap(proofs, blindedMessages)
	if !errors.Is(err, cashu.ProofPendingErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.ProofPendingErr, err)
	}

	// payment eventually succeeds. Checking the quote state settles it
	fakeBackend.SetOutgoingStatus(meltQuote.PaymentHash, lightning.PaymentStatus{
		Preimage:      lightning.FakePreimage,
		PaymentStatus: lightning.Succeeded,
	})
	quote, err := m.GetMeltQuoteState(context.Background(), meltQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting melt quote state: %v", err)
	}
	if quote.State != nut05.Paid {
		t.Fatalf("expected quote state '%v' but got '%v' instead", nut05.Paid, quote.State)
	}
	if quote.Preimage != lightning.FakePreimage {
		t.Fatalf("expected preimage '%v' but got '%v' instead", lightning.FakePreimage, quote.Preimage)
	}

	proofStates, err = m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range proofStates {
		if state.State != nut07.Spent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Spent, state.State)
		}
	}
}

func TestMeltPendingReverted(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	fakeBackend.PaymentMode = lightning.PendingPayment
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	payee := lightning.NewFakeBackend()
	invoice, err := payee.CreateInvoice(500)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	meltRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: cashu.Sat.String()}
	meltQuote, err := m.RequestMeltQuote(meltRequest)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}
	proofs, err := testutils.GetValidProofsForAmount(meltQuote.Amount+meltQuote.FeeReserve, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	meltTokensRequest := nut05.PostMeltBolt11Request{Quote: meltQuote.Id, Inputs: proofs}
	meltResponse, err := m.MeltTokens(context.Background(), meltTokensRequest)
	if err != nil {
		t.Fatalf("got unexpected error melting tokens: %v", err)
	}
	if meltResponse.State != nut05.Pending {
		t.Fatalf("expected melt quote state '%v' but got '%v' instead", nut05.Pending, meltResponse.State)
	}

	// the in-flight payment failed. Quote state check reverts the quote
	fakeBackend.SetOutgoingStatus(meltQuote.PaymentHash, lightning.PaymentStatus{PaymentStatus: lightning.Failed})
	quote, err := m.GetMeltQuoteState(context.Background(), meltQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting melt quote state: %v", err)
	}
	if quote.State != nut05.Unpaid {
		t.Fatalf("expected quote state '%v' but got '%v' instead", nut05.Unpaid, quote.State)
	}

	proofStates, err := m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range proofStates {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Unspent, state.State)
		}
	}
}

// erroringBackend fails every payment attempt before the payment gets
// recorded, like a connection going down mid-request.
type erroringBackend struct {
	*lightning.FakeBackend
}

func (eb *erroringBackend) SendPayment(ctx context.Context, request string, amount uint64) (lightning.PaymentStatus, error) {
	return lightning.PaymentStatus{}, errors.New("connection error")
}

func TestMeltLightningError(t *testing.T) {
	fakeBackend := &erroringBackend{lightning.NewFakeBackend()}
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	payee := lightning.NewFakeBackend()
	invoice, err := payee.CreateInvoice(2100)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	meltRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: cashu.Sat.String()}
	meltQuote, err := m.RequestMeltQuote(meltRequest)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}
	proofs, err := testutils.GetValidProofsForAmount(meltQuote.Amount+meltQuote.FeeReserve, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	// a backend error without a terminal payment status must not settle
	// the quote
	meltTokensRequest := nut05.PostMeltBolt11Request{Quote: meltQuote.Id, Inputs: proofs}
	meltResponse, err := m.MeltTokens(context.Background(), meltTokensRequest)
	if err != nil {
		t.Fatalf("got unexpected error melting tokens: %v", err)
	}
	if meltResponse.State != nut05.Pending {
		t.Fatalf("expected melt quote state '%v' but got '%v' instead", nut05.Pending, meltResponse.State)
	}
	if meltResponse.Preimage != "" {
		t.Fatalf("expected no preimage but got '%v' instead", meltResponse.Preimage)
	}

	proofStates, err := m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range proofStates {
		if state.State != nut07.Pending {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Pending, state.State)
		}
	}

	// the backend has no record of an outgoing payment so checking the
	// quote state releases the proofs
	quote, err := m.GetMeltQuoteState(context.Background(), meltQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting melt quote state: %v", err)
	}
	if quote.State != nut05.Unpaid {
		t.Fatalf("expected quote state '%v' but got '%v' instead", nut05.Unpaid, quote.State)
	}
	proofStates, err = m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range proofStates {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Unspent, state.State)
		}
	}
}

func TestCheckProofsState(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	var amount uint64 = 420
	proofs, err := testutils.GetValidProofsForAmount(amount, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	// unseen proofs are unspent
	states, err := m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range states {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Unspent, state.State)
		}
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	if _, err := m.Swap(proofs, blindedMessages); err != nil {
		t.Fatalf("got unexpected error in swap: %v", err)
	}

	states, err = m.CheckProofsState(proofYs(t, proofs))
	if err != nil {
		t.Fatalf("error checking proof states: %v", err)
	}
	for _, state := range states {
		if state.State != nut07.Spent {
			t.Fatalf("expected proof state '%v' but got '%v' instead", nut07.Spent, state.State)
		}
	}
}

func TestKeysetRotation(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	previousKeyset := m.GetActiveKeyset()
	proofs, err := testutils.GetValidProofsForAmount(210, m, nil)
	if err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	newKeyset, err := m.RotateKeyset(100)
	if err != nil {
		t.Fatalf("error rotating keyset: %v", err)
	}
	if newKeyset.Id == previousKeyset.Id {
		t.Fatal("rotation did not produce a new keyset")
	}
	if active := m.GetActiveKeyset(); active.Id != newKeyset.Id {
		t.Fatalf("expected active keyset '%v' but got '%v' instead", newKeyset.Id, active.Id)
	}
	if m.GetKeysets()[previousKeyset.Id].Active {
		t.Fatal("previous keyset is still active after rotation")
	}

	// outputs for the inactive keyset get rejected
	oldKeysetOutputs, _, _, err := testutils.CreateBlindedMessages(210, previousKeyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	_, err = m.Swap(proofs, oldKeysetOutputs)
	if !errors.Is(err, cashu.InactiveKeysetSignatureRequest) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.InactiveKeysetSignatureRequest, err)
	}

	// proofs from the old keyset can still be swapped to the new one
	newKeysetOutputs, _, _, err := testutils.CreateBlindedMessages(210, newKeyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	if _, err := m.Swap(proofs, newKeysetOutputs); err != nil {
		t.Fatalf("got unexpected error in swap: %v", err)
	}
}

func TestConcurrentKeysetRotation(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	// rotations racing with keyset readers
	const rotations = 5
	var wg sync.WaitGroup
	for i := 0; i < rotations; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := m.RotateKeyset(100); err != nil {
				t.Errorf("error rotating keyset: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			m.GetActiveKeyset()
			m.GetKeysets()
			m.ListKeysets()
		}()
	}
	wg.Wait()

	active := 0
	for _, keyset := range m.GetKeysets() {
		if keyset.Active {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly 1 active keyset but got '%v' instead", active)
	}
	if activeKeyset := m.GetActiveKeyset(); !activeKeyset.Active {
		t.Fatal("active keyset is not marked active")
	}
}

func TestMintLimits(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	limits := mint.MintLimits{
		MaxBalance:      15000,
		MintingSettings: mint.MintMethodSettings{MaxAmount: 10000},
		MeltingSettings: mint.MeltMethodSettings{MaxAmount: 10000},
	}
	m := testMint(t, fakeBackend, 0, limits)

	mintQuoteRequest := nut04.PostMintQuoteBolt11Request{Amount: 20000, Unit: cashu.Sat.String()}
	_, err := m.RequestMintQuote(mintQuoteRequest)
	if !errors.Is(err, cashu.MintAmountExceededErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.MintAmountExceededErr, err)
	}

	// minting up to the balance limit works
	if _, err := testutils.GetValidProofsForAmount(10000, m, nil); err != nil {
		t.Fatalf("error generating proofs: %v", err)
	}

	// next quote would push the mint above its max balance
	mintQuoteRequest = nut04.PostMintQuoteBolt11Request{Amount: 6000, Unit: cashu.Sat.String()}
	_, err = m.RequestMintQuote(mintQuoteRequest)
	if !errors.Is(err, cashu.MintingDisabled) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.MintingDisabled, err)
	}

	payee := lightning.NewFakeBackend()
	invoice, err := payee.CreateInvoice(20000)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}
	meltRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: cashu.Sat.String()}
	_, err = m.RequestMeltQuote(meltRequest)
	if !errors.Is(err, cashu.MeltAmountExceededErr) {
		t.Fatalf("expected '%v' but got '%v' instead", cashu.MeltAmountExceededErr, err)
	}
}

func TestMeltQuoteExpired(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend, 0, mint.MintLimits{})

	payee := lightning.NewFakeBackend()
	invoice, err := payee.CreateInvoice(100)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}
	meltRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice.PaymentRequest, Unit: cashu.Sat.String()}
	meltQuote, err := m.RequestMeltQuote(meltRequest)
	if err != nil {
		t.Fatalf("got unexpected error requesting melt quote: %v", err)
	}
	if meltQuote.Expiry <= uint64(time.Now().Unix()) {
		t.Fatal("melt quote already expired on creation")
	}
}

func proofYs(t *testing.T, proofs cashu.Proofs) []string {
	t.Helper()
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			t.Fatalf("HashToCurve err: %v", err)
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys
}

func keysetResponse(m *mint.Mint) nut01.Keyset {
	keyset := m.GetActiveKeyset()
	return nut01.Keyset{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.DerivePublic()}
}
