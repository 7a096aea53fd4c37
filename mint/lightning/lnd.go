package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

const (
	InvoiceExpiryTime = 3600
	FeePercent        = 1
	MinFeeReserve     = 2

	sendPaymentTimeout = 60
)

type LndConfig struct {
	GRPCHost string
	Cert     credentials.TransportCredentials
	Macaroon macaroons.MacaroonCredential
}

type LndClient struct {
	grpcClient   lnrpc.LightningClient
	routerClient routerrpc.RouterClient
}

// LndConfigFromPaths reads the tls cert and macaroon from disk
func LndConfigFromPaths(host, certPath, macaroonPath string) (LndConfig, error) {
	creds, err := credentials.NewClientTLSFromFile(certPath, "")
	if err != nil {
		return LndConfig{}, fmt.Errorf("error reading tls cert: %v", err)
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return LndConfig{}, fmt.Errorf("error reading macaroon: %v", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macaroonBytes); err != nil {
		return LndConfig{}, fmt.Errorf("error parsing macaroon: %v", err)
	}
	macarooncreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return LndConfig{}, fmt.Errorf("error setting macaroon creds: %v", err)
	}

	return LndConfig{GRPCHost: host, Cert: creds, Macaroon: macarooncreds}, nil
}

func SetupLndClient(config LndConfig) (*LndClient, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(config.Cert),
		grpc.WithPerRPCCredentials(config.Macaroon),
	}

	conn, err := grpc.NewClient(config.GRPCHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("error setting up grpc client: %v", err)
	}

	grpcClient := lnrpc.NewLightningClient(conn)
	routerClient := routerrpc.NewRouterClient(conn)
	return &LndClient{grpcClient: grpcClient, routerClient: routerClient}, nil
}

func (lnd *LndClient) ConnectionStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, err := lnd.grpcClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	return err
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	invoiceRequest := lnrpc.Invoice{
		Value:  int64(amount),
		Expiry: InvoiceExpiryTime,
	}

	addInvoiceResponse, err := lnd.grpcClient.AddInvoice(context.Background(), &invoiceRequest)
	if err != nil {
		return Invoice{}, fmt.Errorf("could not generate invoice: %v", err)
	}

	hash := hex.EncodeToString(addInvoiceResponse.RHash)
	invoice := Invoice{
		PaymentRequest: addInvoiceResponse.PaymentRequest,
		PaymentHash:    hash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(time.Second * InvoiceExpiryTime).Unix()),
	}

	return invoice, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid hash: %v", err)
	}

	paymentHashRequest := lnrpc.PaymentHash{RHash: hashBytes}
	lookupInvoiceResponse, err := lnd.grpcClient.LookupInvoice(context.Background(), &paymentHashRequest)
	if err != nil {
		return Invoice{}, fmt.Errorf("error getting invoice status: %v", err)
	}

	invoice := Invoice{
		PaymentRequest: lookupInvoiceResponse.PaymentRequest,
		PaymentHash:    hash,
		Preimage:       hex.EncodeToString(lookupInvoiceResponse.RPreimage),
		Settled:        lookupInvoiceResponse.State == lnrpc.Invoice_SETTLED,
		Amount:         uint64(lookupInvoiceResponse.Value),
		Expiry:         uint64(lookupInvoiceResponse.Expiry),
	}

	return invoice, nil
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, amount uint64) (PaymentStatus, error) {
	feeLimit := int64(lnd.FeeReserve(amount))
	sendPaymentRequest := routerrpc.SendPaymentRequest{
		PaymentRequest: request,
		TimeoutSeconds: sendPaymentTimeout,
		FeeLimitSat:    feeLimit,
	}

	paymentStream, err := lnd.routerClient.SendPaymentV2(ctx, &sendPaymentRequest)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("error making payment: %v", err)
	}

	for {
		payment, err := paymentStream.Recv()
		if err != nil {
			// could not get a terminal status for the payment.
			// leave it as pending to get resolved later
			return PaymentStatus{PaymentStatus: Pending}, err
		}

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return PaymentStatus{
				Preimage:      payment.PaymentPreimage,
				PaymentStatus: Succeeded,
				FeePaid:       uint64(payment.FeeSat),
			}, nil
		case lnrpc.Payment_FAILED:
			return PaymentStatus{PaymentStatus: Failed},
				fmt.Errorf("payment failed: %s", payment.FailureReason.String())
		case lnrpc.Payment_IN_FLIGHT:
			continue
		default:
			continue
		}
	}
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("invalid hash: %v", err)
	}

	trackPaymentRequest := routerrpc.TrackPaymentRequest{
		PaymentHash:       hashBytes,
		NoInflightUpdates: true,
	}
	paymentStream, err := lnd.routerClient.TrackPaymentV2(ctx, &trackPaymentRequest)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("error checking payment status: %v", err)
	}

	for {
		payment, err := paymentStream.Recv()
		if err != nil {
			return PaymentStatus{PaymentStatus: Pending}, err
		}

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return PaymentStatus{
				Preimage:      payment.PaymentPreimage,
				PaymentStatus: Succeeded,
				FeePaid:       uint64(payment.FeeSat),
			}, nil
		case lnrpc.Payment_FAILED:
			return PaymentStatus{PaymentStatus: Failed},
				errors.New("payment failed: " + payment.FailureReason.String())
		default:
			continue
		}
	}
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	fee := amount * FeePercent / 100
	if fee < MinFeeReserve {
		fee = MinFeeReserve
	}
	return fee
}
