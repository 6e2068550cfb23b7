package main

import (
	"encoding/json"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRelay struct {
	server    *httptest.Server
	mutex     sync.Mutex
	stored    []*nostr.Event
	published []*nostr.Event
	requests  int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	relay := &fakeRelay{}
	upgrader := websocket.Upgrader{}

	relay.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		connection, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer connection.Close()
		relay.serve(connection)
	}))
	t.Cleanup(relay.server.Close)

	return relay
}

func (relay *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(relay.server.URL, "http")
}

func (relay *fakeRelay) store(events ...*nostr.Event) {
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	relay.stored = append(relay.stored, events...)
}

func (relay *fakeRelay) publishedEvents() []*nostr.Event {
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	return append([]*nostr.Event{}, relay.published...)
}

func (relay *fakeRelay) requestCount() int {
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	return relay.requests
}

func (relay *fakeRelay) matching(filters nostr.Filters) []*nostr.Event {
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	relay.requests++

	var events []*nostr.Event
	for _, event := range relay.stored {
		if filters.Match(event) {
			events = append(events, event)
		}
	}
	return events
}

func (relay *fakeRelay) serve(connection *websocket.Conn) {
	for {
		_, data, err := connection.ReadMessage()
		if err != nil {
			return
		}

		var message []json.RawMessage
		if err := json.Unmarshal(data, &message); err != nil || len(message) < 2 {
			continue
		}
		var label string
		_ = json.Unmarshal(message[0], &label)

		switch label {
		case "REQ":
			var subscriptionId string
			_ = json.Unmarshal(message[1], &subscriptionId)
			var filters nostr.Filters
			for _, rawFilter := range message[2:] {
				var filter nostr.Filter
				if err := json.Unmarshal(rawFilter, &filter); err == nil {
					filters = append(filters, filter)
				}
			}
			for _, event := range relay.matching(filters) {
				_ = connection.WriteJSON([]any{"EVENT", subscriptionId, event})
			}
			_ = connection.WriteJSON([]any{"EOSE", subscriptionId})
		case "EVENT":
			var event nostr.Event
			if err := json.Unmarshal(message[1], &event); err != nil {
				continue
			}
			relay.mutex.Lock()
			relay.published = append(relay.published, &event)
			relay.mutex.Unlock()
			_ = connection.WriteJSON([]any{"OK", event.ID, true, ""})
		}
	}
}

// fakeLightningAddress serves the well-known profile and the callback of bob@<host>.
type fakeLightningAddress struct {
	server          *httptest.Server
	recipientKey    string
	recipientPubkey string
	allowsNostr     bool
	invoice         Invoice
	callbackStatus  int
	blockCallback   bool
	onInvoice       func(zapRequest *nostr.Event, invoice Invoice)

	mutex       sync.Mutex
	zapRequests []*nostr.Event
	amounts     []string
	lnUrls      []string
}

func newFakeLightningAddress(t *testing.T) *fakeLightningAddress {
	recipientKey := nostr.GeneratePrivateKey()
	recipientPubkey, err := nostr.GetPublicKey(recipientKey)
	require.NoError(t, err)

	address := &fakeLightningAddress{
		recipientKey:    recipientKey,
		recipientPubkey: recipientPubkey,
		allowsNostr:     true,
		invoice:         "lnbc10u1pjtestinvoice",
		callbackStatus:  http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lnurlp/bob", address.profileHandler)
	mux.HandleFunc("/lnurlp/bob/callback", address.callbackHandler)
	address.server = httptest.NewTLSServer(mux)
	t.Cleanup(address.server.Close)

	return address
}

func (address *fakeLightningAddress) address() string {
	return "bob@" + strings.TrimPrefix(address.server.URL, "https://")
}

func (address *fakeLightningAddress) client() *LightningClient {
	return newLightningClient(resty.NewWithClient(address.server.Client()), LightningConfig{Timeout: 5 * time.Second})
}

func (address *fakeLightningAddress) lastZapRequest() *nostr.Event {
	address.mutex.Lock()
	defer address.mutex.Unlock()
	if len(address.zapRequests) == 0 {
		return nil
	}
	return address.zapRequests[len(address.zapRequests)-1]
}

func (address *fakeLightningAddress) profileHandler(writer http.ResponseWriter, _ *http.Request) {
	writeJson(writer, http.StatusOK, map[string]any{
		"tag":         payRequestTag,
		"callback":    address.server.URL + "/lnurlp/bob/callback",
		"minSendable": 1000,
		"maxSendable": 100_000_000_000,
		"metadata":    `[["text/plain","Pay to bob"]]`,
		"allowsNostr": address.allowsNostr,
		"nostrPubkey": address.recipientPubkey,
	})
}

func (address *fakeLightningAddress) callbackHandler(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()

	var zapRequest nostr.Event
	if err := json.Unmarshal([]byte(query.Get(nostrParam)), &zapRequest); err != nil || zapRequest.Kind != nostr.KindZapRequest {
		writeJson(writer, http.StatusOK, map[string]any{"status": statusError, "reason": "invalid zap request"})
		return
	}

	address.mutex.Lock()
	address.zapRequests = append(address.zapRequests, &zapRequest)
	address.amounts = append(address.amounts, query.Get(amountParam))
	address.lnUrls = append(address.lnUrls, query.Get(lnurlParam))
	address.mutex.Unlock()

	if address.blockCallback {
		<-request.Context().Done()
		return
	}
	if address.callbackStatus != http.StatusOK {
		writer.WriteHeader(address.callbackStatus)
		return
	}

	writeJson(writer, http.StatusOK, map[string]any{"pr": address.invoice, "routes": []string{}})
	if address.onInvoice != nil {
		address.onInvoice(&zapRequest, address.invoice)
	}
}

// zapReceipt is what the recipient's wallet publishes once the invoice is paid.
func (address *fakeLightningAddress) zapReceipt(t *testing.T, zapRequest *nostr.Event, invoice Invoice) *nostr.Event {
	receipt := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindZap,
		Tags: nostr.Tags{
			{"p", address.recipientPubkey},
			{"P", zapRequest.PubKey},
			{"bolt11", invoice.String()},
			{"description", zapRequest.String()},
		},
	}
	require.NoError(t, receipt.Sign(address.recipientKey))

	return receipt
}

func writeJson(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

type recordingNotifier struct {
	mutex     sync.Mutex
	statuses  []string
	successes []string
	failures  []string
}

func (notifier *recordingNotifier) Status(message string) {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.statuses = append(notifier.statuses, message)
}

func (notifier *recordingNotifier) Success(message string) {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.successes = append(notifier.successes, message)
}

func (notifier *recordingNotifier) Failure(message string) {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.failures = append(notifier.failures, message)
}

func newTestSigner(t *testing.T) *KeySigner {
	signer, err := newKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return signer
}
