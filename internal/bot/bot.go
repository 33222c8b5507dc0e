// ABOUTME: Bot wires feature handlers onto the gateway event streams
// ABOUTME: Holds the shared collaborators, the diffusion busy latch and the live subscriptions

package bot

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nekotori/neko-bridge/internal/busy"
	"github.com/nekotori/neko-bridge/internal/chatstream"
	"github.com/nekotori/neko-bridge/internal/events"
	"github.com/nekotori/neko-bridge/internal/onebot"
	"github.com/nekotori/neko-bridge/internal/store"
	"github.com/nekotori/neko-bridge/internal/workpool"
)

// Group feature names.
const (
	FeatureDraw      = "bnn"
	FeatureDiffusion = "sd"
	FeatureTorrents  = "btlist"
)

const (
	defaultHistoryLimit    = 10
	defaultDrawMaxWait     = 5 * time.Minute
	defaultTorrentCategory = "movies"
)

// Deps are the collaborators a Bot drives. Source, Store and Exec are
// required; a nil Chat, Images, Diffuser or Torrents disables the features
// that need it. Speaker is optional.
type Deps struct {
	Source   events.Source
	Store    store.Store
	Chat     *chatstream.Aggregator
	Images   ImageGenerator
	Diffuser Diffuser
	Speaker  Speaker
	Torrents TorrentClient
	// Exec runs handlers, usually a *workpool.Pool.
	Exec   workpool.Executor
	Logger *slog.Logger
}

// Options tunes handler behaviour. Zero values take the defaults.
type Options struct {
	SystemPrompt string
	// HistoryLimit caps the conversation turns sent with each chat request.
	HistoryLimit int
	// Admins may chat with the bot privately.
	Admins          []int64
	DrawMaxWait     time.Duration
	TorrentCategory string
}

// Bot owns the handler subscriptions.
type Bot struct {
	source   events.Source
	store    store.Store
	chat     *chatstream.Aggregator
	images   ImageGenerator
	diffuser Diffuser
	speaker  Speaker
	torrents TorrentClient
	exec     workpool.Executor
	opts     Options
	logger   *slog.Logger

	// diffusing guards the single-job diffusion backend.
	diffusing busy.Latch

	mu   sync.Mutex
	ctx  context.Context
	subs []*events.Subscription
}

// New validates deps and returns an unstarted Bot.
func New(deps Deps, opts Options) (*Bot, error) {
	if deps.Source == nil {
		return nil, errors.New("bot: event source is required")
	}
	if deps.Store == nil {
		return nil, errors.New("bot: store is required")
	}
	if deps.Exec == nil {
		return nil, errors.New("bot: executor is required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.DrawMaxWait <= 0 {
		opts.DrawMaxWait = defaultDrawMaxWait
	}
	if opts.TorrentCategory == "" {
		opts.TorrentCategory = defaultTorrentCategory
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bot{
		source:   deps.Source,
		store:    deps.Store,
		chat:     deps.Chat,
		images:   deps.Images,
		diffuser: deps.Diffuser,
		speaker:  deps.Speaker,
		torrents: deps.Torrents,
		exec:     deps.Exec,
		opts:     opts,
		logger:   logger.With("component", "bot"),
		ctx:      context.Background(),
	}, nil
}

// Start subscribes every enabled feature. ctx bounds the work handlers do
// on behalf of events; cancel it and call Stop to shut down.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	groups := events.Messages(b.source, onebot.KindGroupMessage)
	private := events.Messages(b.source, onebot.KindPrivateMessage)

	b.subscribe("history", groups.Stream, b.recordHistory)
	b.subscribe("hello", private.OnCommand("hello").OnIdentity(b.isAdmin).Stream, b.hello)
	subscribeRaw(b, "heartbeat", events.All(b.source).OfKind(onebot.KindMeta), b.heartbeat)

	if b.chat != nil {
		b.subscribe("group-chat", groups.OnMention().Stream, b.groupChat)
		b.subscribe("private-chat", private.OnIdentity(b.isAdmin).Filter(notCommand).Stream, b.privateChat)
	}
	if b.images != nil {
		b.subscribe("draw", groups.OnCommand(FeatureDraw).Filter(b.canDraw).Stream, b.draw)
	}
	if b.diffuser != nil {
		b.subscribe("diffusion", groups.OnCommand(FeatureDiffusion).Filter(b.hasFeature(FeatureDiffusion)).Stream, b.diffuse)
	}
	if b.torrents != nil {
		b.subscribe("magnet", groups.Filter(isMagnet).Stream, b.addMagnet)
		b.subscribe("torrents", groups.OnCommand(FeatureTorrents).Filter(b.hasFeature(FeatureTorrents)).Stream, b.listTorrents)
	}

	b.logger.Info("bot started", "subscriptions", b.Subscriptions())
}

func (b *Bot) subscribe(name string, s *events.Stream[*onebot.MessageEvent], handler func(*onebot.MessageEvent) error) {
	subscribeRaw(b, name, s, handler)
}

func subscribeRaw[T onebot.Event](b *Bot, name string, s *events.Stream[T], handler func(T) error) {
	sub := s.Subscribe(b.exec, handler, events.WithName(name), events.WithLogger(b.logger))
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Subscriptions returns the number of live subscriptions.
func (b *Bot) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stop detaches every subscription. Queued events are discarded.
func (b *Bot) Stop() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Wait blocks until every subscription has completed, or ctx ends.
func (b *Bot) Wait(ctx context.Context) error {
	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case <-sub.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bot) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

func (b *Bot) isAdmin(s onebot.Sender) bool {
	return slices.Contains(b.opts.Admins, s.UserID)
}

// hasFeature keeps group messages whose group enables name.
func (b *Bot) hasFeature(name string) func(*onebot.MessageEvent) bool {
	return func(m *onebot.MessageEvent) bool {
		g, ok := b.group(m)
		return ok && g.HasFeature(name)
	}
}

// group loads the message's group row. Missing rows and lookup failures
// report false.
func (b *Bot) group(m *onebot.MessageEvent) (*store.Group, bool) {
	gid, ok := m.Group()
	if !ok {
		return nil, false
	}
	g, err := b.store.GetGroup(b.context(), gid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("loading group", "group_id", gid, "error", err)
		}
		return nil, false
	}
	return g, true
}

func notCommand(m *onebot.MessageEvent) bool {
	text := m.RawMessage
	if text == "" {
		text = onebot.PlainText(m.Message)
	}
	return len(text) > 0 && text[0] != '-'
}

func (b *Bot) hello(m *onebot.MessageEvent) error {
	b.logger.Info("hello", "user_id", m.UserID)
	return m.Reply(onebot.NewBuilder().Text("hello").Build())
}
