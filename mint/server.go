package mint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cashmint/cashmint/cashu"
	"github.com/cashmint/cashmint/cashu/nuts/nut01"
	"github.com/cashmint/cashmint/cashu/nuts/nut02"
	"github.com/cashmint/cashmint/cashu/nuts/nut03"
	"github.com/cashmint/cashmint/cashu/nuts/nut04"
	"github.com/cashmint/cashmint/cashu/nuts/nut05"
	"github.com/cashmint/cashmint/cashu/nuts/nut07"
	"github.com/gorilla/mux"
)

type MintServer struct {
	httpServer *http.Server
	mint       *Mint
	logger     *slog.Logger
}

func SetupMintServer(mint *Mint, port string) *MintServer {
	mintServer := &MintServer{mint: mint, logger: mint.logger}
	mintServer.setupHttpServer(port)
	return mintServer
}

func (ms *MintServer) Start() error {
	ms.logger.Info("mint server listening on: " + ms.httpServer.Addr)
	return ms.httpServer.ListenAndServe()
}

func (ms *MintServer) Shutdown() error {
	if err := ms.httpServer.Shutdown(context.Background()); err != nil {
		return err
	}
	return ms.mint.Shutdown()
}

func (ms *MintServer) setupHttpServer(port string) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/keys", ms.getActiveKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", ms.getKeysetsList).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", ms.getKeysetById).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/quote/bolt11", ms.mintRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", ms.mintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", ms.mintTokensRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap", ms.swapRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", ms.meltQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", ms.meltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", ms.meltTokens).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", ms.proofsStateCheck).Methods(http.MethodPost)
	r.HandleFunc("/v1/info", ms.mintInfo).Methods(http.MethodGet)

	r.Use(setupHeaders)

	if port == "" {
		port = "3338"
	}
	server := &http.Server{
		Addr:    "0.0.0.0:" + port,
		Handler: r,
	}

	ms.httpServer = server
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if req.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func (ms *MintServer) writeResponse(
	rw http.ResponseWriter,
	req *http.Request,
	response []byte,
) {
	ms.logger.Info("returning response",
		slog.Group("request", slog.String("method", req.Method), slog.String("url", req.URL.String())),
	)
	rw.WriteHeader(http.StatusOK)
	rw.Write(response)
}

func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, err error, logExtra ...string) {
	code := http.StatusBadRequest

	cashuErr, ok := err.(*cashu.Error)
	if !ok {
		var errAsValue cashu.Error
		if errors.As(err, &errAsValue) {
			cashuErr = &errAsValue
		}
	}

	if cashuErr != nil {
		// hide internal errors from the response
		switch cashuErr.Code {
		case cashu.DBErrCode, cashu.LightningBackendErrCode:
			extra := cashuErr.Detail
			ms.logger.Error(extra,
				slog.Group("request", slog.String("method", req.Method), slog.String("url", req.URL.String())),
			)
			cashuErr = &cashu.StandardErr
			code = http.StatusInternalServerError
		}
	} else {
		cashuErr = cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	logmsg := cashuErr.Detail
	if len(logExtra) > 0 {
		logmsg = logExtra[0]
	}
	ms.logger.Warn(logmsg,
		slog.Group("request", slog.String("method", req.Method), slog.String("url", req.URL.String())),
	)

	rw.WriteHeader(code)
	errRes, _ := json.Marshal(cashuErr)
	rw.Write(errRes)
}

func (ms *MintServer) getActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	activeKeyset := ms.mint.GetActiveKeyset()
	getKeysResponse := buildKeysResponse([]nut01.Keyset{
		{
			Id:   activeKeyset.Id,
			Unit: activeKeyset.Unit,
			Keys: activeKeyset.DerivePublic(),
		},
	})

	jsonRes, err := json.Marshal(getKeysResponse)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	keysets := ms.mint.GetKeysets()
	keysetsResponse := nut02.GetKeysetsResponse{Keysets: make([]nut02.Keyset, 0, len(keysets))}
	for _, keyset := range keysets {
		keysetsResponse.Keysets = append(keysetsResponse.Keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}

	jsonRes, err := json.Marshal(keysetsResponse)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	keyset, ok := ms.mint.GetKeysets()[id]
	if !ok {
		ms.writeErr(rw, req, cashu.UnknownKeysetErr)
		return
	}

	getKeysResponse := buildKeysResponse([]nut01.Keyset{
		{
			Id:   keyset.Id,
			Unit: keyset.Unit,
			Keys: keyset.DerivePublic(),
		},
	})
	jsonRes, err := json.Marshal(getKeysResponse)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func buildKeysResponse(keysets []nut01.Keyset) nut01.GetKeysResponse {
	return nut01.GetKeysResponse{Keysets: keysets}
}

func (ms *MintServer) mintRequest(rw http.ResponseWriter, req *http.Request) {
	var mintReq nut04.PostMintQuoteBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	mintQuote, err := ms.mint.RequestMintQuote(mintReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	mintQuoteResponse := nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	}
	jsonRes, err := json.Marshal(&mintQuoteResponse)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	quoteId := vars["quote_id"]

	mintQuote, err := ms.mint.GetMintQuoteState(quoteId)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	mintQuoteResponse := nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	}
	jsonRes, err := json.Marshal(&mintQuoteResponse)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) mintTokensRequest(rw http.ResponseWriter, req *http.Request) {
	var mintReq nut04.PostMintBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	blindedSignatures, err := ms.mint.MintTokens(mintReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	signatures := nut04.PostMintBolt11Response{Signatures: blindedSignatures}
	jsonRes, err := json.Marshal(&signatures)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) swapRequest(rw http.ResponseWriter, req *http.Request) {
	var swapReq nut03.PostSwapRequest
	if err := decodeJsonReqBody(req, &swapReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	blindedSignatures, err := ms.mint.Swap(swapReq.Inputs, swapReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	signatures := nut03.PostSwapResponse{Signatures: blindedSignatures}
	jsonRes, err := json.Marshal(&signatures)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltQuoteBolt11Request
	if err := decodeJsonReqBody(req, &meltRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuote, err := ms.mint.RequestMeltQuote(meltRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	quoteRes := quoteResponse(meltQuote, nil)
	jsonRes, err := json.Marshal(&quoteRes)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	quoteId := vars["quote_id"]

	meltQuote, err := ms.mint.GetMeltQuoteState(req.Context(), quoteId)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	quoteState := quoteResponse(meltQuote, nil)
	jsonRes, err := json.Marshal(&quoteState)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) meltTokens(rw http.ResponseWriter, req *http.Request) {
	var meltTokensRequest nut05.PostMeltBolt11Request
	if err := decodeJsonReqBody(req, &meltTokensRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuoteResponse, err := ms.mint.MeltTokens(req.Context(), meltTokensRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(&meltQuoteResponse)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) proofsStateCheck(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := decodeJsonReqBody(req, &stateRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	proofStates, err := ms.mint.CheckProofsState(stateRequest.Ys)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	checkStateResponse := nut07.PostCheckStateResponse{States: proofStates}
	jsonRes, err := json.Marshal(&checkStateResponse)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func (ms *MintServer) mintInfo(rw http.ResponseWriter, req *http.Request) {
	mintInfo, err := ms.mint.RetrieveMintInfo()
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(&mintInfo)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	ct := req.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		ctError := cashu.BuildCashuError("Content-Type header is not application/json", cashu.StandardErrCode)
		return ctError
	}

	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(&dst)
	if err != nil {
		var cashuErr *cashu.Error
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxErr):
			msg := "bad json in request body"
			cashuErr = cashu.BuildCashuError(msg, cashu.StandardErrCode)
		case errors.As(err, &typeErr):
			msg := "invalid value in request body"
			cashuErr = cashu.BuildCashuError(msg, cashu.StandardErrCode)
		case errors.Is(err, io.EOF):
			return &cashu.EmptyBodyErr
		default:
			cashuErr = cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		return cashuErr
	}

	return nil
}
