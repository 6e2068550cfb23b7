package main

import (
	"context"
	"fmt"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
	"os"

	log "github.com/sirupsen/logrus"
)

// LndConfig configures the optional node used to pay invoices directly.
type LndConfig struct {
	Address      string
	CertFile     string `yaml:"cert-file"`
	MacaroonFile string `yaml:"macaroon-file"`
	FeeLimitSats int64  `yaml:"fee-limit-sats"`
}

type LndClient struct {
	lnClient lnrpc.LightningClient
	feeLimit int64
}

// newLndClient returns nil when no node is configured.
func newLndClient(config LndConfig) *LndClient {
	if config.Address == "" {
		return nil
	}
	if config.CertFile == "" {
		log.Fatal("LND certificate file missing")
	}
	if config.MacaroonFile == "" {
		log.Fatal("LND macaroon file missing")
	}

	transportCredentials, err := credentials.NewClientTLSFromFile(config.CertFile, "")
	if err != nil {
		log.Fatal(err)
	}

	macaroonData, err := os.ReadFile(config.MacaroonFile)
	if err != nil {
		log.Fatal(err)
	}
	macaroonInstance := &macaroon.Macaroon{}
	if err := macaroonInstance.UnmarshalBinary(macaroonData); err != nil {
		log.Fatal(err)
	}
	macaroonCredentials, err := macaroons.NewMacaroonCredential(macaroonInstance)
	if err != nil {
		log.Fatal(err)
	}

	connection, err := grpc.Dial(config.Address,
		grpc.WithTransportCredentials(transportCredentials),
		grpc.WithPerRPCCredentials(macaroonCredentials),
	)
	if err != nil {
		log.Fatal(err)
	}

	return &LndClient{
		lnClient: lnrpc.NewLightningClient(connection),
		feeLimit: config.FeeLimitSats,
	}
}

// payInvoice pays the invoice synchronously. Settlement is still proven by the zap receipt.
func (client *LndClient) payInvoice(ctx context.Context, invoice Invoice) error {
	sendRequest := lnrpc.SendRequest{
		PaymentRequest: invoice.String(),
		FeeLimit:       &lnrpc.FeeLimit{Limit: &lnrpc.FeeLimit_Fixed{Fixed: client.feeLimit}},
	}

	response, err := client.lnClient.SendPaymentSync(ctx, &sendRequest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNodePaymentFailed, err)
	}
	if response.PaymentError != "" {
		return fmt.Errorf("%w: %s", ErrNodePaymentFailed, response.PaymentError)
	}

	return nil
}
