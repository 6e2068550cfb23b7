package main

import (
	"context"
	"errors"
	"github.com/nbd-wtf/go-nostr"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type PaymentStatus string

const (
	StatusIdle            PaymentStatus = "idle"
	StatusCreatingInvoice PaymentStatus = "creating-invoice"
	StatusInvoiceReady    PaymentStatus = "invoice-ready"
	StatusVerifying       PaymentStatus = "verifying"
	StatusPaid            PaymentStatus = "paid"
	StatusExpired         PaymentStatus = "expired"
	StatusFailed          PaymentStatus = "failed"
)

// PaymentState is the per-attempt state. Its zero value is the reset state.
type PaymentState struct {
	Invoice          Invoice
	ZapRequest       *nostr.Event
	Paid             bool
	Verifying        bool
	InvoiceCreatedAt time.Time
}

type PaymentSnapshot struct {
	Status           PaymentStatus `json:"status"`
	Invoice          Invoice       `json:"invoice,omitempty"`
	ZapRequestId     string        `json:"zapRequestId,omitempty"`
	ReceiptId        string        `json:"receiptId,omitempty"`
	Paid             bool          `json:"paid"`
	Verifying        bool          `json:"verifying"`
	FeeSats          int64         `json:"feeSats"`
	InvoiceCreatedAt *time.Time    `json:"invoiceCreatedAt,omitempty"`
	ExpiresAt        *time.Time    `json:"expiresAt,omitempty"`
	Error            string        `json:"error,omitempty"`
	ErrorKind        string        `json:"errorKind,omitempty"`
}

// PaymentMachine drives one payment attempt. The mutex is never held across I/O;
// every result coming back from I/O is checked against the epoch it started in.
type PaymentMachine struct {
	config       *PaymentConfig
	relays       []string
	lightning    *LightningClient
	verifier     *ReceiptVerifier
	signer       Signer
	notifier     Notifier
	pollInterval time.Duration
	now          func() time.Time

	mutex   sync.Mutex
	status  PaymentStatus
	state   PaymentState
	profile *LightningAddressProfile
	receipt *nostr.Event
	err     error
	epoch   uint64
	cancel  context.CancelFunc
	poller  *Poller
}

func newPaymentMachine(config *PaymentConfig, relays []string, lightning *LightningClient, verifier *ReceiptVerifier, signer Signer, notifier Notifier) *PaymentMachine {
	return &PaymentMachine{
		config:       config,
		relays:       relays,
		lightning:    lightning,
		verifier:     verifier,
		signer:       signer,
		notifier:     notifier,
		pollInterval: verifier.config.PollInterval,
		now:          time.Now,
		status:       StatusIdle,
	}
}

func (machine *PaymentMachine) createPayment(ctx context.Context) error {
	machine.mutex.Lock()
	switch machine.status {
	case StatusIdle, StatusFailed, StatusExpired:
	default:
		machine.mutex.Unlock()
		return ErrPaymentInProgress
	}
	ctx, epoch := machine.begin(ctx)
	machine.status = StatusCreatingInvoice
	machine.state = PaymentState{}
	machine.profile, machine.receipt, machine.err = nil, nil, nil
	machine.mutex.Unlock()

	profile, zapRequest, invoice, err := machine.issueInvoice(ctx)

	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	if machine.epoch != epoch {
		return ErrStaleAttempt
	}
	machine.finish()

	if err != nil {
		machine.status = StatusFailed
		machine.err = err
		machine.notifier.Failure("Creating invoice failed: " + err.Error())
		return err
	}

	machine.status = StatusInvoiceReady
	machine.profile = profile
	machine.state = PaymentState{
		Invoice:          invoice,
		ZapRequest:       zapRequest,
		InvoiceCreatedAt: machine.now(),
	}
	machine.notifier.Status("Invoice for " + formatSats(machine.config.FeeAmountSats) + " created, waiting for payment")

	return nil
}

func (machine *PaymentMachine) issueInvoice(ctx context.Context) (*LightningAddressProfile, *nostr.Event, Invoice, error) {
	profile, err := machine.lightning.resolveProfile(ctx, machine.config.LightningAddress)
	if err != nil {
		return nil, nil, "", err
	}

	amountMsats := machine.config.amountMsats()
	zapRequest := buildZapRequest(profile, amountMsats, machine.relays, machine.signer.PublicKey(), machine.config.Comment)
	if err := signZapRequest(ctx, machine.signer, zapRequest); err != nil {
		return nil, nil, "", err
	}

	invoice, err := machine.lightning.requestInvoice(ctx, profile, amountMsats, zapRequest)
	if err != nil {
		return nil, nil, "", err
	}

	return profile, zapRequest, invoice, nil
}

// poll runs one verification pass when an invoice is waiting for payment.
func (machine *PaymentMachine) poll(ctx context.Context) (VerificationOutcome, error) {
	machine.mutex.Lock()
	switch machine.status {
	case StatusInvoiceReady:
	case StatusPaid:
		machine.mutex.Unlock()
		return Paid, nil
	case StatusExpired:
		machine.mutex.Unlock()
		return Expired, nil
	default:
		machine.mutex.Unlock()
		return NotYet, nil
	}
	ctx, epoch := machine.begin(ctx)
	machine.status = StatusVerifying
	machine.state.Verifying = true
	attempt := PaymentAttempt{
		Invoice:          machine.state.Invoice,
		ZapRequest:       machine.state.ZapRequest,
		InvoiceCreatedAt: machine.state.InvoiceCreatedAt,
	}
	profile := machine.profile
	machine.mutex.Unlock()

	outcome, receipt, err := machine.verifier.verify(ctx, attempt, profile, machine.signer.PublicKey(), machine.config.FeeAmountSats)

	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	if machine.epoch != epoch {
		return NotYet, ErrStaleAttempt
	}
	machine.finish()
	machine.state.Verifying = false

	if err != nil {
		machine.status = StatusInvoiceReady
		return NotYet, err
	}

	switch outcome {
	case Paid:
		machine.detachPoller()
		machine.status = StatusPaid
		machine.state.Paid = true
		machine.receipt = receipt
		machine.notifier.Success("Payment of " + formatSats(machine.config.FeeAmountSats) + " received")
	case Expired:
		machine.detachPoller()
		machine.status = StatusExpired
		machine.err = ErrVerificationExpired
		machine.notifier.Failure("Payment not received in time: " + ErrVerificationExpired.Error())
	default:
		machine.status = StatusInvoiceReady
	}

	return outcome, nil
}

// reset returns the machine to idle from any status, abandoning in-flight work.
func (machine *PaymentMachine) reset() {
	machine.mutex.Lock()
	machine.epoch++
	machine.finish()
	poller := machine.poller
	machine.poller = nil
	machine.status = StatusIdle
	machine.state = PaymentState{}
	machine.profile, machine.receipt, machine.err = nil, nil, nil
	machine.mutex.Unlock()

	if poller != nil {
		poller.stop()
	}
}

func (machine *PaymentMachine) startPolling() error {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()

	if machine.poller != nil || machine.status != StatusInvoiceReady {
		return nil
	}

	poller := newPoller()
	if err := poller.start(machine.pollInterval, func() { machine.pollTick(poller) }); err != nil {
		return err
	}
	machine.poller = poller

	return nil
}

func (machine *PaymentMachine) pollTick(poller *Poller) {
	outcome, err := machine.poll(context.Background())
	if err == nil && outcome == NotYet {
		return
	}
	if err != nil && !errors.Is(err, ErrStaleAttempt) {
		log.Warn("verification pass failed: ", err)
		return
	}

	go poller.stop()
}

// detachPoller lets a new invoice start its own poller. Callers hold the mutex.
func (machine *PaymentMachine) detachPoller() {
	if poller := machine.poller; poller != nil {
		machine.poller = nil
		go poller.stop()
	}
}

// PaidAttempt is a paid state taken out of the machine by consume.
type PaidAttempt struct {
	epoch   uint64
	state   PaymentState
	profile *LightningAddressProfile
	receipt *nostr.Event
}

// consume takes the paid state for exactly one submission, leaving the machine idle.
func (machine *PaymentMachine) consume() (*PaidAttempt, bool) {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()

	if machine.status != StatusPaid {
		return nil, false
	}

	machine.epoch++
	paid := &PaidAttempt{
		epoch:   machine.epoch,
		state:   machine.state,
		profile: machine.profile,
		receipt: machine.receipt,
	}
	machine.status = StatusIdle
	machine.state = PaymentState{}
	machine.profile, machine.receipt, machine.err = nil, nil, nil

	return paid, true
}

// restore puts back a paid state whose submission failed, unless the machine moved on since.
func (machine *PaymentMachine) restore(paid *PaidAttempt) bool {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()

	if machine.epoch != paid.epoch || machine.status != StatusIdle {
		return false
	}

	machine.status = StatusPaid
	machine.state = paid.state
	machine.profile, machine.receipt = paid.profile, paid.receipt

	return true
}

func (machine *PaymentMachine) isPaid() bool {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()

	return machine.status == StatusPaid
}

func (machine *PaymentMachine) invoice() Invoice {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()

	return machine.state.Invoice
}

func (machine *PaymentMachine) snapshot() PaymentSnapshot {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()

	snapshot := PaymentSnapshot{
		Status:    machine.status,
		Invoice:   machine.state.Invoice,
		Paid:      machine.state.Paid,
		Verifying: machine.state.Verifying,
		FeeSats:   machine.config.FeeAmountSats,
	}
	if zapRequest := machine.state.ZapRequest; zapRequest != nil {
		snapshot.ZapRequestId = zapRequest.ID
	}
	if receipt := machine.receipt; receipt != nil {
		snapshot.ReceiptId = receipt.ID
	}
	if createdAt := machine.state.InvoiceCreatedAt; !createdAt.IsZero() {
		expiresAt := createdAt.Add(machine.verifier.config.InvoiceTimeout)
		snapshot.InvoiceCreatedAt = &createdAt
		snapshot.ExpiresAt = &expiresAt
	}
	if machine.err != nil {
		snapshot.Error = machine.err.Error()
		snapshot.ErrorKind = errorKind(machine.err)
	}

	return snapshot
}

// begin starts a new epoch and returns a context that reset cancels. Callers hold the mutex.
func (machine *PaymentMachine) begin(ctx context.Context) (context.Context, uint64) {
	machine.epoch++
	ctx, machine.cancel = context.WithCancel(ctx)
	return ctx, machine.epoch
}

// finish releases the context of the current epoch. Callers hold the mutex.
func (machine *PaymentMachine) finish() {
	if machine.cancel != nil {
		machine.cancel()
		machine.cancel = nil
	}
}
