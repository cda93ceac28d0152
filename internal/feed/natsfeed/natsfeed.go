package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/HyphaGroup/marionette/internal/conversation"
	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/feed/wire"
	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
	"github.com/HyphaGroup/marionette/internal/state"
	"github.com/HyphaGroup/marionette/internal/tools"
)

const (
	fetchBatch   = 64
	fetchMaxWait = 2 * time.Second
)

// Submitter accepts inbound events for dispatch
type Submitter interface {
	Submit(ev event.Event) bool
}

// Config for one JetStream-backed feed
type Config struct {
	URL           string
	Source        string // cursor key, also the connection name
	Stream        string
	SubjectPrefix string
}

// Feed consumes platform events from a JetStream stream and publishes
// the runtime's outbound traffic to the paired outbound stream. The
// client handles reconnection itself; the stream cursor persisted after
// each event makes redelivery across restarts a dedup problem, not a
// correctness one.
type Feed struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	cons   jetstream.Consumer
	store  *state.Store
	submit Submitter
}

// Open connects, ensures both streams exist, and positions an ephemeral
// consumer after the last event this instance processed.
func Open(ctx context.Context, cfg Config, store *state.Store, submit Submitter) (*Feed, error) {
	opts := []nats.Option{
		nats.Name("marionette-" + cfg.Source),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("natsfeed: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("natsfeed: reconnected to %s", nc.ConnectedUrl())
			metrics.RecordFeedReconnect(cfg.Source)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening jetstream: %w", err)
	}

	// The platform normally provisions these; creating them here makes
	// single-node setups work out of the box.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".events.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring event stream %s: %w", cfg.Stream, err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream + "_OUT",
		Subjects: []string{cfg.SubjectPrefix + ".out.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring outbound stream: %w", err)
	}

	cursor, err := store.GetCursor(cfg.Source)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("loading feed cursor: %w", err)
	}

	ccfg := jetstream.ConsumerConfig{
		FilterSubject:     cfg.SubjectPrefix + ".events.>",
		AckPolicy:         jetstream.AckExplicitPolicy,
		InactiveThreshold: time.Minute,
	}
	if cursor > 0 {
		ccfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		ccfg.OptStartSeq = cursor + 1
	}
	cons, err := js.CreateConsumer(ctx, cfg.Stream, ccfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating consumer: %w", err)
	}

	logger.Info("natsfeed: consuming %s from sequence %d", cfg.Stream, cursor+1)
	return &Feed{cfg: cfg, nc: nc, js: js, cons: cons, store: store, submit: submit}, nil
}

func (f *Feed) Name() string {
	return "nats:" + f.cfg.Source
}

// Run fetches events until the context ends
func (f *Feed) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := f.cons.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("natsfeed: fetch failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range batch.Messages() {
			f.handle(msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			logger.Warn("natsfeed: batch ended: %v", err)
		}
	}
}

func (f *Feed) handle(msg jetstream.Msg) {
	ev, err := wire.ParseEvent(msg.Data())
	if err != nil {
		logger.Error("natsfeed: dropping unparseable event: %v", err)
		metrics.RecordDrop("unparseable")
		_ = msg.Term()
		return
	}

	// The stream sequence is the authoritative per-source marker
	if meta, err := msg.Metadata(); err == nil {
		ev.Seq = meta.Sequence.Stream
	}

	f.submit.Submit(ev)

	if ev.Seq > 0 {
		if err := f.store.SetCursor(f.cfg.Source, ev.Seq); err != nil {
			logger.Error("natsfeed: persisting cursor %d: %v", ev.Seq, err)
		}
	}
	if err := msg.Ack(); err != nil {
		logger.Warn("natsfeed: ack failed for event %s: %v", ev.ID, err)
	}
}

// Close drains the subscription so the server releases this instance
func (f *Feed) Close() error {
	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
		return err
	}
	return nil
}

func (f *Feed) publish(ctx context.Context, conversationID, frameType string, payload any) error {
	frame, err := wire.NewFrame(frameType, conversationID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	subject := outSubject(f.cfg.SubjectPrefix, conversationID, frameType)
	if _, err := f.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", frameType, err)
	}
	return nil
}

// outSubject builds the outbound subject for a frame. Conversation-less
// frames are parked under "_".
func outSubject(prefix, conversationID, frameType string) string {
	if conversationID == "" {
		conversationID = "_"
	}
	return fmt.Sprintf("%s.out.%s.%s", prefix, conversationID, frameType)
}

// RequestTurn asks the platform for the next generation step
func (f *Feed) RequestTurn(ctx context.Context, req conversation.TurnRequest) error {
	return f.publish(ctx, req.ConversationID, wire.TypeTurnRequest, req)
}

// PostToolResult delivers a resolved invocation
func (f *Feed) PostToolResult(ctx context.Context, call *tools.Call, res tools.Result) error {
	return f.publish(ctx, call.ConversationID, wire.TypeToolResult, wire.ToolResult{
		InvocationID: call.InvocationID,
		Tool:         call.Tool,
		Parts:        res.Parts,
		IsError:      res.IsError,
		Cancelled:    res.Cancelled,
	})
}

// RequestConfirmation asks the platform to collect an approval
func (f *Feed) RequestConfirmation(ctx context.Context, call *tools.Call, prompt string) error {
	return f.publish(ctx, call.ConversationID, wire.TypeConfirmationRequest, wire.ConfirmationRequest{
		InvocationID: call.InvocationID,
		Tool:         call.Tool,
		Prompt:       prompt,
	})
}

// OpenChild asks the platform to start a child conversation
func (f *Feed) OpenChild(ctx context.Context, conversationID, content, profile string) error {
	return f.publish(ctx, conversationID, wire.TypeChildOpen, wire.ChildOpen{
		ConversationID: conversationID,
		Content:        content,
		Profile:        profile,
	})
}
