// Package admin has a small http server for operating the mint.
// It is meant to be exposed only locally.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cashmint/cashmint/mint"
	"github.com/gorilla/mux"
)

type Server struct {
	httpServer *http.Server
	mint       *mint.Mint
}

func SetupServer(mint *mint.Mint, addr string) (*Server, error) {
	server := &Server{
		mint: mint,
	}
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	server.setupHttpServer(addr)
	return server, nil
}

func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) setupHttpServer(addr string) {
	r := mux.NewRouter()

	r.HandleFunc("/issued", s.getIssuedEcash).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/redeemed", s.getRedeemedEcash).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/totalbalance", s.getTotalBalance).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ledger", s.getLedgerInfo).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/pendingmelts", s.getPendingMeltQuotes).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/keysets", s.getKeysets).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/rotatekeyset", s.rotateKeyset).Methods(http.MethodPost, http.MethodOptions)

	r.Use(setupHeaders)

	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	s.httpServer = server
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Credentials", "true")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, origin")

		if req.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(rw, req)
	})
}

type IssuedEcashResponse struct {
	TotalIssued uint64 `json:"total_issued"`
}

func (s *Server) getIssuedEcash(rw http.ResponseWriter, req *http.Request) {
	issued, err := s.mint.IssuedEcash()
	if err != nil {
		internalErr(rw, fmt.Sprintf("unable to get issued ecash from db: %v", err))
		return
	}

	response, _ := json.Marshal(IssuedEcashResponse{TotalIssued: issued})
	rw.Write(response)
}

type RedeemedEcashResponse struct {
	TotalRedeemed uint64 `json:"total_redeemed"`
}

func (s *Server) getRedeemedEcash(rw http.ResponseWriter, req *http.Request) {
	redeemed, err := s.mint.RedeemedEcash()
	if err != nil {
		internalErr(rw, fmt.Sprintf("unable to get redeemed ecash from db: %v", err))
		return
	}

	response, _ := json.Marshal(RedeemedEcashResponse{TotalRedeemed: redeemed})
	rw.Write(response)
}

type TotalBalanceResponse struct {
	TotalIssued        uint64 `json:"total_issued"`
	TotalRedeemed      uint64 `json:"total_redeemed"`
	TotalInCirculation uint64 `json:"total_circulation"`
}

// returns total amount of ecash in circulation
func (s *Server) getTotalBalance(rw http.ResponseWriter, req *http.Request) {
	issued, err := s.mint.IssuedEcash()
	if err != nil {
		internalErr(rw, fmt.Sprintf("unable to get issued ecash from db: %v", err))
		return
	}
	redeemed, err := s.mint.RedeemedEcash()
	if err != nil {
		internalErr(rw, fmt.Sprintf("unable to get redeemed ecash from db: %v", err))
		return
	}

	totalBalance := TotalBalanceResponse{
		TotalIssued:        issued,
		TotalRedeemed:      redeemed,
		TotalInCirculation: issued - redeemed,
	}
	response, _ := json.Marshal(totalBalance)
	rw.Write(response)
}

type LedgerInfoResponse struct {
	ProofsCount uint64 `json:"proofs_count"`
}

func (s *Server) getLedgerInfo(rw http.ResponseWriter, req *http.Request) {
	count, err := s.mint.LedgerSize()
	if err != nil {
		internalErr(rw, fmt.Sprintf("unable to get ledger size from db: %v", err))
		return
	}

	response, _ := json.Marshal(LedgerInfoResponse{ProofsCount: count})
	rw.Write(response)
}

type PendingMeltQuote struct {
	Id          string `json:"id"`
	Amount      uint64 `json:"amount"`
	PaymentHash string `json:"payment_hash"`
	Expiry      uint64 `json:"expiry"`
}

type PendingMeltQuotesResponse struct {
	Quotes []PendingMeltQuote `json:"quotes"`
}

// melt quotes with lightning payments still in flight
func (s *Server) getPendingMeltQuotes(rw http.ResponseWriter, req *http.Request) {
	pending, err := s.mint.PendingMeltQuotes()
	if err != nil {
		internalErr(rw, fmt.Sprintf("unable to get pending melt quotes from db: %v", err))
		return
	}

	pendingResponse := PendingMeltQuotesResponse{Quotes: make([]PendingMeltQuote, len(pending))}
	for i, quote := range pending {
		pendingResponse.Quotes[i] = PendingMeltQuote{
			Id:          quote.Id,
			Amount:      quote.Amount,
			PaymentHash: quote.PaymentHash,
			Expiry:      quote.Expiry,
		}
	}

	response, _ := json.Marshal(pendingResponse)
	rw.Write(response)
}

// same response as NUT-02 /v1/keysets
func (s *Server) getKeysets(rw http.ResponseWriter, req *http.Request) {
	keysetsResponse := s.mint.ListKeysets()
	response, _ := json.Marshal(keysetsResponse)
	rw.Write(response)
}

func (s *Server) rotateKeyset(rw http.ResponseWriter, req *http.Request) {
	fee := req.URL.Query().Get("fee")
	if len(fee) == 0 {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte("fee for keyset not specified"))
		return
	}

	keysetFee, err := strconv.Atoi(fee)
	if err != nil || keysetFee < 0 {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte("invalid fee"))
		return
	}

	newKeyset, err := s.mint.RotateKeyset(uint(keysetFee))
	if err != nil {
		internalErr(rw, err.Error())
		return
	}

	rotated := struct {
		Id          string `json:"id"`
		Unit        string `json:"unit"`
		Active      bool   `json:"active"`
		InputFeePpk uint   `json:"input_fee_ppk"`
	}{
		Id:          newKeyset.Id,
		Unit:        newKeyset.Unit,
		Active:      newKeyset.Active,
		InputFeePpk: newKeyset.InputFeePpk,
	}
	response, _ := json.Marshal(rotated)
	rw.Write(response)
}

func internalErr(rw http.ResponseWriter, msg string) {
	rw.WriteHeader(http.StatusInternalServerError)
	rw.Write([]byte(msg))
}
