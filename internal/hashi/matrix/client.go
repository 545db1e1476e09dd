// Package matrix bridges Matrix rooms to the relay: text messages in the
// configured rooms are answered as threaded replies.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Hashi/common/trace"
	"github.com/bdobrica/Hashi/internal/hashi/relay"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Rooms restricts the bridge to these room IDs. Empty means every room
	// the account has joined.
	Rooms []string

	// DB is an optional SQLite connection used to persist the sync token
	// across restarts. When nil, an in-memory store is used.
	DB *sql.DB
}

// Messenger runs a message through the conversation pipeline.
type Messenger interface {
	Handle(ctx context.Context, msg relay.Message) (relay.Result, error)
}

// sender posts replies; satisfied by *Client and by test doubles.
type sender interface {
	ReplyToMessage(ctx context.Context, roomID, eventID, text string) error
}

// Client wraps the mautrix client.
type Client struct {
	client *mautrix.Client
	config Config
	relay  Messenger
	sender sender
	rooms  map[string]struct{}

	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a Client. It does not contact the homeserver.
func New(config Config, m Messenger) (*Client, error) {
	if config.Homeserver == "" || config.UserID == "" || config.AccessToken == "" {
		return nil, errors.New("matrix: homeserver, user id and access token are required")
	}
	if m == nil {
		return nil, errors.New("matrix: messenger is required")
	}
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		relay:  m,
		rooms:  make(map[string]struct{}, len(config.Rooms)),
		stopCh: make(chan struct{}),
	}
	c.sender = c
	for _, r := range config.Rooms {
		c.rooms[r] = struct{}{}
	}

	if config.DB != nil {
		client.Store = NewSyncStore(config.DB)
		slog.Info("matrix: using persistent sync store")
	} else {
		slog.Warn("matrix: no DB configured, using in-memory sync store (history replays on restart)")
	}
	return c, nil
}

// Start joins the configured rooms and begins syncing in the background.
func (c *Client) Start(ctx context.Context) error {
	c.startedAt = time.Now()

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("matrix: join room %s: %w", roomID, err)
		}
	}

	go c.syncLoop()
	return nil
}

// syncLoop keeps the sync running, reconnecting with exponential back-off.
func (c *Client) syncLoop() {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		started := time.Now()
		err := c.client.Sync()
		if err == nil {
			return // StopSync
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
		if time.Since(started) > backoffMax {
			backoff = backoffMin
		}
		slog.Error("matrix: sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop stops syncing. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.client.StopSync()
	})
}

// ReplyToMessage sends text as a reply to eventID.
func (c *Client) ReplyToMessage(ctx context.Context, roomID, eventID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{
				EventID: id.EventID(eventID),
			},
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send reply: %w", err)
	}
	return nil
}

func (c *Client) allowedRoom(roomID string) bool {
	if len(c.rooms) == 0 {
		return true
	}
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	if !c.allowedRoom(evt.RoomID.String()) {
		return
	}
	// Skip history delivered by the first sync after a restart.
	if !c.startedAt.IsZero() && time.UnixMilli(evt.Timestamp).Before(c.startedAt) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType == event.MsgNotice || content.MsgType == "" {
		return
	}

	ctx, traceID := trace.Ensure(ctx)
	log := slog.With("trace_id", traceID, "room_id", evt.RoomID, "event_id", evt.ID)

	msg := relay.Message{
		Platform:  "matrix",
		EventID:   evt.ID.String(),
		MessageID: evt.ID.String(),
		ChatID:    evt.RoomID.String(),
		SenderID:  evt.Sender.String(),
		Kind:      string(content.MsgType),
	}
	if content.MsgType == event.MsgText {
		msg.Kind = relay.KindText
		msg.Text = content.Body
	}

	res, err := c.relay.Handle(ctx, msg)
	if err != nil {
		log.Error("matrix: handling message failed", "err", err)
		return
	}
	if res.Duplicate || res.Reply == "" {
		return
	}
	if err := c.sender.ReplyToMessage(context.WithoutCancel(ctx), msg.ChatID, msg.MessageID, res.Reply); err != nil {
		log.Error("matrix: reply failed", "err", err)
	}
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the account is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: join refused, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
