package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/nbd-wtf/go-nostr"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

func tagP() []string       { return []string{"p", ""} }
func tagSender() []string  { return []string{"P", ""} }
func tagRelays() []string  { return []string{"relays", ""} }
func tagAmount() []string  { return []string{"amount", ""} }
func tagBolt11() []string  { return []string{"bolt11", ""} }
func tagReceipt() []string { return []string{"description", ""} }

type NostrConfig struct {
	Relays []string
}

// Signer signs events on behalf of the submitting user.
type Signer interface {
	PublicKey() string
	SignEvent(ctx context.Context, event *nostr.Event) error
}

type KeySigner struct {
	privateKey string
	publicKey  string
}

func newKeySigner(privateKey string) (*KeySigner, error) {
	publicKey, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return nil, err
	}

	return &KeySigner{privateKey: privateKey, publicKey: publicKey}, nil
}

func loadKeySigner(dataDir string) *KeySigner {
	var privateKey string
	privateKeyFileName := dataDir + ".nostr"

	if privateKeyBytes, err := os.ReadFile(privateKeyFileName); err == nil {
		privateKey = strings.TrimSpace(string(privateKeyBytes))
	} else {
		privateKey = nostr.GeneratePrivateKey()
		if privateKey == "" {
			log.Fatal("error creating Nostr private key")
		}
		if err := os.WriteFile(privateKeyFileName, []byte(privateKey), 0400); err != nil {
			log.Fatal(err)
		}
	}

	signer, err := newKeySigner(privateKey)
	if err != nil {
		log.Fatal("invalid Nostr private key: ", err)
	}

	return signer
}

func (signer *KeySigner) PublicKey() string {
	return signer.publicKey
}

func (signer *KeySigner) SignEvent(_ context.Context, event *nostr.Event) error {
	if event.PubKey != "" && event.PubKey != signer.publicKey {
		return errors.New("event belongs to another public key")
	}

	return event.Sign(signer.privateKey)
}

func buildZapRequest(profile *LightningAddressProfile, amountMsats int64, relays []string, userPubkey string, content string) *nostr.Event {
	return &nostr.Event{
		PubKey:    userPubkey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindZapRequest,
		Tags: nostr.Tags{
			append(nostr.Tag{"relays"}, relays...),
			nostr.Tag{"amount", strconv.FormatInt(amountMsats, 10)},
			nostr.Tag{"lnurl", profile.LnUrl},
			nostr.Tag{"p", profile.RecipientPubkey},
		},
		Content: content,
	}
}

func signZapRequest(ctx context.Context, signer Signer, zapRequest *nostr.Event) error {
	if err := signer.SignEvent(ctx, zapRequest); err != nil {
		return fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	if zapRequest.ID == "" || zapRequest.Sig == "" {
		return fmt.Errorf("%w: signer returned an incomplete event", ErrSigningFailed)
	}

	return nil
}

func zapRequestRelays(zapRequest *nostr.Event) []string {
	if tag := zapRequest.Tags.GetFirst(tagRelays()); tag != nil {
		return (*tag)[1:]
	}
	return nil
}

// zapAmountMsats reads the amount tag of a zap request. Zero means absent or invalid.
func zapAmountMsats(zapRequest *nostr.Event) int64 {
	tag := zapRequest.Tags.GetFirst(tagAmount())
	if tag == nil {
		return 0
	}

	amount, err := strconv.ParseInt(tag.Value(), 10, 64)
	if err != nil || amount < 0 {
		return 0
	}
	return amount
}
