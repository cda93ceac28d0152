package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/HyphaGroup/marionette/internal/conversation"
	"github.com/HyphaGroup/marionette/internal/event"
	"github.com/HyphaGroup/marionette/internal/feed/wire"
	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/metrics"
	"github.com/HyphaGroup/marionette/internal/state"
	"github.com/HyphaGroup/marionette/internal/tools"
)

const (
	outboundDepth = 256
	pingInterval  = 30 * time.Second
)

// Submitter accepts inbound events for dispatch
type Submitter interface {
	Submit(ev event.Event) bool
}

// Config for one websocket feed
type Config struct {
	URL            string
	Source         string // cursor key
	DialsPerMinute int    // reconnect pacing
}

// Feed speaks JSON frames over a single websocket: inbound event
// records, outbound envelopes. The socket has no server-side cursor, so
// every (re)connect replays from the persisted marker via a subscribe
// frame. Outbound traffic rides a queue that survives redials.
type Feed struct {
	cfg     Config
	store   *state.Store
	submit  Submitter
	limiter *rate.Limiter
	out     chan wire.Frame

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func Open(cfg Config, store *state.Store, submit Submitter) (*Feed, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	dials := cfg.DialsPerMinute
	if dials <= 0 {
		dials = 12
	}
	return &Feed{
		cfg:     cfg,
		store:   store,
		submit:  submit,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(dials)), 1),
		out:     make(chan wire.Frame, outboundDepth),
	}, nil
}

func (f *Feed) Name() string {
	return "ws:" + f.cfg.Source
}

// Run dials, subscribes from the cursor, and pumps frames until the
// context ends. Lost connections are redialed under the rate limit.
func (f *Feed) Run(ctx context.Context) error {
	first := true
	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil
		}
		if f.isClosed() {
			return nil
		}

		conn, _, err := websocket.Dial(ctx, f.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("wsfeed: dial %s failed: %v", f.cfg.URL, err)
			metrics.RecordFeedReconnect(f.cfg.Source)
			continue
		}
		if !first {
			metrics.RecordFeedReconnect(f.cfg.Source)
		}
		first = false
		f.setConn(conn)

		err = f.session(ctx, conn)
		f.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil || f.isClosed() {
			return nil
		}
		logger.Warn("wsfeed: connection lost: %v, redialing", err)
	}
}

// session subscribes and runs one connection to failure
func (f *Feed) session(ctx context.Context, conn *websocket.Conn) error {
	cursor, err := f.store.GetCursor(f.cfg.Source)
	if err != nil {
		return fmt.Errorf("loading feed cursor: %w", err)
	}
	sub, err := wire.NewFrame(wire.TypeSubscribe, "", wire.Subscribe{AfterSeq: cursor})
	if err != nil {
		return err
	}
	if err := writeFrame(ctx, conn, sub); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	logger.Info("wsfeed: subscribed to %s after sequence %d", f.cfg.URL, cursor)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.writeLoop(sessionCtx, conn)

	for {
		msgType, data, err := conn.Read(sessionCtx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		f.handle(data)
	}
}

func (f *Feed) handle(data []byte) {
	ev, err := wire.ParseEvent(data)
	if err != nil {
		logger.Error("wsfeed: dropping unparseable event: %v", err)
		metrics.RecordDrop("unparseable")
		return
	}

	f.submit.Submit(ev)

	if ev.Seq > 0 {
		if err := f.store.SetCursor(f.cfg.Source, ev.Seq); err != nil {
			logger.Error("wsfeed: persisting cursor %d: %v", ev.Seq, err)
		}
	}
}

// writeLoop drains the outbound queue onto one connection. On a write
// failure the frame goes back on the queue for the next connection.
func (f *Feed) writeLoop(ctx context.Context, conn *websocket.Conn) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case frame := <-f.out:
			if err := writeFrame(ctx, conn, frame); err != nil {
				logger.Warn("wsfeed: write of %s failed: %v", frame.Type, err)
				select {
				case f.out <- frame:
				default:
					logger.Error("wsfeed: outbound queue full, dropping %s frame", frame.Type)
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// enqueue hands a frame to the write loop without blocking the
// dispatch goroutine.
func (f *Feed) enqueue(frameType, conversationID string, payload any) error {
	frame, err := wire.NewFrame(frameType, conversationID, payload)
	if err != nil {
		return err
	}
	select {
	case f.out <- frame:
		return nil
	default:
		return fmt.Errorf("outbound queue full, %s frame not sent", frameType)
	}
}

func (f *Feed) RequestTurn(ctx context.Context, req conversation.TurnRequest) error {
	return f.enqueue(wire.TypeTurnRequest, req.ConversationID, req)
}

func (f *Feed) PostToolResult(ctx context.Context, call *tools.Call, res tools.Result) error {
	return f.enqueue(wire.TypeToolResult, call.ConversationID, wire.ToolResult{
		InvocationID: call.InvocationID,
		Tool:         call.Tool,
		Parts:        res.Parts,
		IsError:      res.IsError,
		Cancelled:    res.Cancelled,
	})
}

func (f *Feed) RequestConfirmation(ctx context.Context, call *tools.Call, prompt string) error {
	return f.enqueue(wire.TypeConfirmationRequest, call.ConversationID, wire.ConfirmationRequest{
		InvocationID: call.InvocationID,
		Tool:         call.Tool,
		Prompt:       prompt,
	})
}

func (f *Feed) OpenChild(ctx context.Context, conversationID, content, profile string) error {
	return f.enqueue(wire.TypeChildOpen, conversationID, wire.ChildOpen{
		ConversationID: conversationID,
		Content:        content,
		Profile:        profile,
	})
}

func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	return nil
}

func (f *Feed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
