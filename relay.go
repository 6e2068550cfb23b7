package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/nbd-wtf/go-nostr"
	"sync"

	log "github.com/sirupsen/logrus"
)

// RelayPool holds the long-lived relay connections used for publishing.
type RelayPool struct {
	mutex  sync.Mutex
	relays map[string]*nostr.Relay
}

func newRelayPool() *RelayPool {
	return &RelayPool{relays: map[string]*nostr.Relay{}}
}

// pooled returns an open pooled connection to url, or nil.
func (pool *RelayPool) pooled(url string) *nostr.Relay {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if relay := pool.relays[nostr.NormalizeURL(url)]; relay != nil && relay.IsConnected() {
		return relay
	}
	return nil
}

func (pool *RelayPool) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	if relay := pool.pooled(url); relay != nil {
		return relay, nil
	}

	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelayConnectFailed, err)
	}

	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	normalized := nostr.NormalizeURL(url)
	if existing := pool.relays[normalized]; existing != nil {
		if existing.IsConnected() {
			// another caller won the race, its connection may be in use
			_ = relay.Close()
			return existing, nil
		}
		_ = existing.Close()
	}
	pool.relays[normalized] = relay

	return relay, nil
}

func (pool *RelayPool) close() {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	for url, relay := range pool.relays {
		_ = relay.Close()
		delete(pool.relays, url)
	}
}

// publish sends event to every distinct relay concurrently and reports how many accepted it.
func (pool *RelayPool) publish(ctx context.Context, event *nostr.Event, urls []string) (int, error) {
	var waitGroup sync.WaitGroup
	var mutex sync.Mutex
	var published int

	for _, url := range uniqueRelays(urls) {
		waitGroup.Add(1)
		go func(url string) {
			defer waitGroup.Done()
			if err := pool.publishEvent(ctx, event, url); err != nil {
				log.WithField("relay", url).Warn("error publishing event: ", err)
				return
			}
			mutex.Lock()
			published++
			mutex.Unlock()
		}(url)
	}
	waitGroup.Wait()

	if published == 0 {
		return 0, errors.New("no relay accepted the event")
	}
	return published, nil
}

func (pool *RelayPool) publishEvent(ctx context.Context, event *nostr.Event, url string) error {
	relay, err := pool.connect(ctx, url)
	if err != nil {
		return err
	}

	return relay.Publish(ctx, *event)
}

// queryReceipts runs every filter as its own subscription and collects the results.
// A pooled connection is reused when open, otherwise an ephemeral one is opened
// and closed again before returning.
func (pool *RelayPool) queryReceipts(ctx context.Context, url string, filters nostr.Filters) ([]*nostr.Event, error) {
	relay := pool.pooled(url)
	if relay == nil {
		ephemeral, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRelayConnectFailed, err)
		}
		defer ephemeral.Close()
		relay = ephemeral
	}

	return querySubscriptions(ctx, relay, filters)
}

func querySubscriptions(ctx context.Context, relay *nostr.Relay, filters nostr.Filters) ([]*nostr.Event, error) {
	var waitGroup sync.WaitGroup
	var mutex sync.Mutex
	var events []*nostr.Event
	var errs []error

	for _, filter := range filters {
		waitGroup.Add(1)
		go func(filter nostr.Filter) {
			defer waitGroup.Done()
			filterEvents, err := querySubscription(ctx, relay, filter)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			events = append(events, filterEvents...)
		}(filter)
	}
	waitGroup.Wait()

	if len(events) == 0 && len(errs) == len(filters) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return events, nil
}

func querySubscription(ctx context.Context, relay *nostr.Relay, filter nostr.Filter) ([]*nostr.Event, error) {
	subscription, err := relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, err
	}
	defer subscription.Unsub()

	var events []*nostr.Event
	for {
		select {
		case event, ok := <-subscription.Events:
			if !ok {
				return events, nil
			}
			events = append(events, event)
		case <-subscription.EndOfStoredEvents:
			return drainEvents(subscription, events), nil
		case reason := <-subscription.ClosedReason:
			return events, fmt.Errorf("subscription closed by relay: %s", reason)
		case <-ctx.Done():
			return events, nil
		}
	}
}

// drainEvents picks up events that were already dispatched when EOSE arrived.
func drainEvents(subscription *nostr.Subscription, events []*nostr.Event) []*nostr.Event {
	for {
		select {
		case event, ok := <-subscription.Events:
			if !ok {
				return events
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

func uniqueRelays(urls []string) []string {
	alreadyAdded := map[string]bool{}
	var relays []string
	for _, url := range urls {
		normalized := nostr.NormalizeURL(url)
		if normalized != "" && !alreadyAdded[normalized] {
			relays = append(relays, normalized)
			alreadyAdded[normalized] = true
		}
	}

	return relays
}
