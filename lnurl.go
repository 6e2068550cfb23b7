package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"github.com/fiatjaf/go-lnurl"
	"github.com/go-resty/resty/v2"
	"github.com/nbd-wtf/go-nostr"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	payRequestTag      = "payRequest"
	wellKnownLnUrlPath = "/.well-known/lnurlp/"
	amountParam        = "amount"
	nostrParam         = "nostr"
	lnurlParam         = "lnurl"
	statusError        = "ERROR"

	defaultMinSendable int64 = 1000
	defaultMaxSendable int64 = 1_000_000_000
)

type LnUrlPayParams struct {
	lnurl.LNURLResponse
	Callback        string `json:"callback"`
	MinSendable     int64  `json:"minSendable"`
	MaxSendable     int64  `json:"maxSendable"`
	EncodedMetadata string `json:"metadata"`
	CommentAllowed  int64  `json:"commentAllowed"`
	AllowsNostr     bool   `json:"allowsNostr"`
	NostrPubkey     string `json:"nostrPubkey,omitempty"`
	Tag             string `json:"tag"`
}

type LnUrlPayValues struct {
	lnurl.LNURLResponse
	PR string `json:"pr"`
}

// Invoice is a BOLT11 payment request. It is only ever compared, never decoded.
type Invoice string

func (invoice Invoice) String() string {
	return string(invoice)
}

type LightningAddressProfile struct {
	Address         string `json:"address"`
	RecipientPubkey string `json:"recipientPubkey"`
	Callback        string `json:"callback"`
	MinSendable     int64  `json:"minSendable"`
	MaxSendable     int64  `json:"maxSendable"`
	LnUrl           string `json:"lnurl"`
}

type LightningConfig struct {
	Timeout time.Duration
}

type LightningClient struct {
	http *resty.Client
}

func newLightningClient(httpClient *resty.Client, config LightningConfig) *LightningClient {
	httpClient.SetTimeout(config.Timeout)
	httpClient.SetHeader("User-Agent", "zapgate/1.0")
	httpClient.SetHeader("Accept", "application/json")

	return &LightningClient{http: httpClient}
}

func splitLightningAddress(address string) (string, string, error) {
	if strings.Count(address, "@") != 1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddressFormat, address)
	}

	name, domain, _ := strings.Cut(address, "@")
	if name == "" || domain == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddressFormat, address)
	}

	return name, domain, nil
}

func (client *LightningClient) resolveProfile(ctx context.Context, address string) (*LightningAddressProfile, error) {
	name, domain, err := splitLightningAddress(address)
	if err != nil {
		return nil, err
	}

	payUrl := "https://" + domain + wellKnownLnUrlPath + name
	response, err := client.http.R().SetContext(ctx).Get(payUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProfileFetchFailed, err)
	}
	if !response.IsSuccess() {
		return nil, fmt.Errorf("%w: %s returned %s", ErrProfileFetchFailed, payUrl, response.Status())
	}

	var payParams LnUrlPayParams
	if err := json.Unmarshal(response.Body(), &payParams); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrProfileFetchFailed, err)
	}
	if payParams.Status == statusError {
		return nil, fmt.Errorf("%w: %s", ErrProfileFetchFailed, payParams.Reason)
	}
	if payParams.Tag != "" && payParams.Tag != payRequestTag {
		return nil, fmt.Errorf("%w: unexpected tag %q", ErrProfileFetchFailed, payParams.Tag)
	}
	if !payParams.AllowsNostr || !isPublicKey(payParams.NostrPubkey) {
		return nil, fmt.Errorf("%w: %s", ErrNostrZapsUnsupported, address)
	}
	if !isHttpUrl(payParams.Callback) {
		return nil, fmt.Errorf("%w: invalid callback %q", ErrProfileFetchFailed, payParams.Callback)
	}

	lnUrl, err := lnurl.LNURLEncode(payUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding LNURL: %w", ErrProfileFetchFailed, err)
	}

	profile := LightningAddressProfile{
		Address:         address,
		RecipientPubkey: strings.ToLower(payParams.NostrPubkey),
		Callback:        payParams.Callback,
		MinSendable:     payParams.MinSendable,
		MaxSendable:     payParams.MaxSendable,
		LnUrl:           strings.ToLower(lnUrl),
	}
	if profile.MinSendable <= 0 {
		profile.MinSendable = defaultMinSendable
	}
	if profile.MaxSendable <= 0 {
		profile.MaxSendable = defaultMaxSendable
	}

	return &profile, nil
}

func (client *LightningClient) requestInvoice(ctx context.Context, profile *LightningAddressProfile, amountMsats int64, zapRequest *nostr.Event) (Invoice, error) {
	if amountMsats < profile.MinSendable || amountMsats > profile.MaxSendable {
		return "", fmt.Errorf("%w: amount %d msats outside of sendable range %d-%d",
			ErrInvoiceRequestFailed, amountMsats, profile.MinSendable, profile.MaxSendable)
	}

	response, err := client.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			amountParam: strconv.FormatInt(amountMsats, 10),
			nostrParam:  zapRequest.String(),
			lnurlParam:  profile.LnUrl,
		}).
		Get(profile.Callback)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvoiceRequestFailed, err)
	}
	if !response.IsSuccess() {
		return "", fmt.Errorf("%w: callback returned %s", ErrInvoiceRequestFailed, response.Status())
	}

	var payValues LnUrlPayValues
	if err := json.Unmarshal(response.Body(), &payValues); err != nil {
		return "", fmt.Errorf("%w: decoding response: %w", ErrInvoiceRequestFailed, err)
	}
	if payValues.Status == statusError {
		return "", fmt.Errorf("%w: %s", ErrInvoiceRequestFailed, payValues.Reason)
	}
	if payValues.PR == "" {
		return "", ErrNoPaymentRequest
	}

	return Invoice(payValues.PR), nil
}

func isPublicKey(value string) bool {
	bytes, err := hex.DecodeString(value)
	return err == nil && len(bytes) == 32
}

func isHttpUrl(value string) bool {
	parsedUrl, err := url.Parse(value)
	return err == nil && (parsedUrl.Scheme == "https" || parsedUrl.Scheme == "http") && parsedUrl.Host != ""
}
