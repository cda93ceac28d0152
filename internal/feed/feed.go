package feed

import (
	"context"
	"fmt"
	"net/url"

	"github.com/HyphaGroup/marionette/internal/config"
	"github.com/HyphaGroup/marionette/internal/conversation"
	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/feed/natsfeed"
	"github.com/HyphaGroup/marionette/internal/feed/wsfeed"
	"github.com/HyphaGroup/marionette/internal/state"
	"github.com/HyphaGroup/marionette/internal/subchat"
	"github.com/HyphaGroup/marionette/internal/tools"
)

// Submitter accepts inbound events for dispatch. The dispatcher
// satisfies it.
type Submitter interface {
	Submit(ev event.Event) bool
}

// Feed is one connected event source plus every outbound surface the
// runtime drives: generation requests, tool results, confirmation
// requests, child openings.
type Feed interface {
	conversation.Generator
	tools.ResultSink
	subchat.Opener
	Name() string
	Run(ctx context.Context) error
	Close() error
}

// Open selects the transport from the URL scheme
func Open(ctx context.Context, cfg config.FeedSection, store *state.Store, submit Submitter) (Feed, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing feed url %q: %w", cfg.URL, err)
	}

	switch u.Scheme {
	case "nats", "tls":
		return natsfeed.Open(ctx, natsfeed.Config{
			URL:           cfg.URL,
			Source:        cfg.Source,
			Stream:        cfg.Stream,
			SubjectPrefix: cfg.SubjectPrefix,
		}, store, submit)
	case "ws", "wss":
		return wsfeed.Open(wsfeed.Config{
			URL:            cfg.URL,
			Source:         cfg.Source,
			DialsPerMinute: cfg.DialsPerMinute,
		}, store, submit)
	default:
		return nil, fmt.Errorf("unsupported feed scheme %q (want nats:// or ws://)", u.Scheme)
	}
}
