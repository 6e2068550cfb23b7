package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/nbd-wtf/go-nostr"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const receiptsLimit = 50

type VerificationOutcome int

const (
	NotYet VerificationOutcome = iota
	Paid
	Expired
)

func (outcome VerificationOutcome) String() string {
	switch outcome {
	case Paid:
		return "paid"
	case Expired:
		return "expired"
	default:
		return "not-yet"
	}
}

type VerificationConfig struct {
	SettleDelay    time.Duration `yaml:"settle-delay"`
	PollInterval   time.Duration `yaml:"poll-interval"`
	RelayTimeout   time.Duration `yaml:"relay-timeout"`
	InvoiceTimeout time.Duration `yaml:"invoice-timeout"`
	Lookback       time.Duration `yaml:"lookback"`
	FallbackRelays []string      `yaml:"fallback-relays"`
}

// ReceiptSource runs receipt filters against a single relay.
type ReceiptSource interface {
	queryReceipts(ctx context.Context, url string, filters nostr.Filters) ([]*nostr.Event, error)
}

// PaymentAttempt is what a verification pass needs to know about the invoice being checked.
type PaymentAttempt struct {
	Invoice          Invoice
	ZapRequest       *nostr.Event
	InvoiceCreatedAt time.Time
}

type receiptCriteria struct {
	invoice         Invoice
	zapRequestId    string
	userPubkey      string
	recipientPubkey string
	feeSats         int64
}

type ReceiptVerifier struct {
	source ReceiptSource
	config VerificationConfig
	now    func() time.Time
}

func newReceiptVerifier(source ReceiptSource, config VerificationConfig) *ReceiptVerifier {
	return &ReceiptVerifier{source: source, config: config, now: time.Now}
}

// verify performs a single verification pass. Only a cancelled ctx is reported as an error.
func (verifier *ReceiptVerifier) verify(ctx context.Context, attempt PaymentAttempt, profile *LightningAddressProfile, userPubkey string, feeSats int64) (VerificationOutcome, *nostr.Event, error) {
	if err := verifier.settle(ctx, attempt.InvoiceCreatedAt); err != nil {
		return NotYet, nil, err
	}

	criteria := receiptCriteria{
		invoice:         attempt.Invoice,
		zapRequestId:    attempt.ZapRequest.ID,
		userPubkey:      userPubkey,
		recipientPubkey: profile.RecipientPubkey,
		feeSats:         feeSats,
	}

	candidates := verifier.collectReceipts(ctx, verifier.relays(attempt.ZapRequest), verifier.filters(criteria))
	if err := ctx.Err(); err != nil {
		return NotYet, nil, err
	}

	for _, candidate := range candidates {
		if err := acceptReceipt(candidate, criteria); err != nil {
			log.WithField("receipt", candidate.ID).Debug("rejecting zap receipt: ", err)
			continue
		}
		log.WithField("receipt", candidate.ID).Info("zap receipt accepted for zap request ", criteria.zapRequestId)
		return Paid, candidate, nil
	}

	if verifier.now().Sub(attempt.InvoiceCreatedAt) > verifier.config.InvoiceTimeout {
		return Expired, nil, nil
	}
	return NotYet, nil, nil
}

// settle waits until the invoice is at least SettleDelay old.
func (verifier *ReceiptVerifier) settle(ctx context.Context, invoiceCreatedAt time.Time) error {
	remaining := verifier.config.SettleDelay - verifier.now().Sub(invoiceCreatedAt)
	if remaining <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (verifier *ReceiptVerifier) relays(zapRequest *nostr.Event) []string {
	return uniqueRelays(append(zapRequestRelays(zapRequest), verifier.config.FallbackRelays...))
}

// filters are broad; acceptReceipt alone decides.
func (verifier *ReceiptVerifier) filters(criteria receiptCriteria) nostr.Filters {
	since := nostr.Timestamp(verifier.now().Add(-verifier.config.Lookback).Unix())
	kinds := []int{nostr.KindZap}

	return nostr.Filters{
		{Kinds: kinds, Tags: nostr.TagMap{"e": {criteria.zapRequestId}}, Limit: receiptsLimit},
		{Kinds: kinds, Authors: []string{criteria.recipientPubkey}, Since: &since, Limit: receiptsLimit},
		{Kinds: kinds, Tags: nostr.TagMap{"p": {criteria.recipientPubkey}}, Since: &since, Limit: receiptsLimit},
		{Kinds: kinds, Tags: nostr.TagMap{"P": {criteria.userPubkey}}, Since: &since, Limit: receiptsLimit},
	}
}

// collectReceipts queries all relays concurrently and returns the candidates deduplicated by id.
func (verifier *ReceiptVerifier) collectReceipts(ctx context.Context, relays []string, filters nostr.Filters) []*nostr.Event {
	var waitGroup sync.WaitGroup
	receipts := make(chan []*nostr.Event, len(relays))

	for _, url := range relays {
		waitGroup.Add(1)
		go func(url string) {
			defer waitGroup.Done()

			relayCtx, cancel := context.WithTimeout(ctx, verifier.config.RelayTimeout)
			defer cancel()

			events, err := verifier.source.queryReceipts(relayCtx, url, filters)
			if err != nil {
				log.WithField("relay", url).Debug("skipping relay: ", err)
			}
			receipts <- events
		}(url)
	}

	waitGroup.Wait()
	close(receipts)

	seenIds := map[string]bool{}
	var candidates []*nostr.Event
	for events := range receipts {
		for _, event := range events {
			if event == nil || seenIds[event.ID] {
				continue
			}
			seenIds[event.ID] = true
			candidates = append(candidates, event)
		}
	}

	return candidates
}

// acceptReceipt returns nil only when every clause of the payment proof holds.
func acceptReceipt(receipt *nostr.Event, criteria receiptCriteria) error {
	if receipt.Kind != nostr.KindZap {
		return fmt.Errorf("%w: kind %d", ErrMalformedReceipt, receipt.Kind)
	}

	bolt11 := receipt.Tags.GetFirst(tagBolt11())
	if bolt11 == nil || Invoice(bolt11.Value()) != criteria.invoice {
		return errors.New("invoice mismatch")
	}

	zapRequest, err := parseReceiptDescription(receipt)
	if err != nil {
		return err
	}
	if zapRequest.ID != criteria.zapRequestId {
		return errors.New("zap request id mismatch")
	}
	if zapRequest.PubKey != criteria.userPubkey {
		return errors.New("zap request pubkey mismatch")
	}

	recipient := receipt.Tags.GetFirst(tagP())
	if recipient == nil || recipient.Value() != criteria.recipientPubkey {
		return errors.New("recipient mismatch")
	}

	if amountMsats := zapAmountMsats(zapRequest); amountMsats/1000 < criteria.feeSats {
		return fmt.Errorf("amount %d msats below fee of %d sats", amountMsats, criteria.feeSats)
	}

	return nil
}

// parseReceiptDescription decodes the zap request embedded in an untrusted receipt.
func parseReceiptDescription(receipt *nostr.Event) (*nostr.Event, error) {
	description := receipt.Tags.GetFirst(tagReceipt())
	if description == nil || description.Value() == "" {
		return nil, fmt.Errorf("%w: missing description", ErrMalformedReceipt)
	}

	var event nostr.Event
	if err := json.Unmarshal([]byte(description.Value()), &event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReceipt, err)
	}

	return &event, nil
}
