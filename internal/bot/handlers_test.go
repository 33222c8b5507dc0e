// ABOUTME: Tests for the feature handlers driven through published gateway events
// ABOUTME: Chat replies and actions, image generation credits, diffusion latch, torrents

package bot

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekotori/neko-bridge/internal/chatstream"
	"github.com/nekotori/neko-bridge/internal/onebot"
	"github.com/nekotori/neko-bridge/internal/store"
	"github.com/nekotori/neko-bridge/internal/workpool"
)

type fakeImages struct {
	mu      sync.Mutex
	prompts []string
	urls    [][]string
	image   string
	err     error
}

func (f *fakeImages) Generate(_ context.Context, prompt string, urls []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.urls = append(f.urls, urls)
	return "task-1", nil
}

func (f *fakeImages) Wait(context.Context, string) (string, error) {
	return f.image, f.err
}

type fakeDiffuser struct {
	path   string
	err    error
	nsfw   bool
	prompt string
}

func (f *fakeDiffuser) Draw(_ context.Context, prompt string, nsfw bool, onProgress func(string)) (string, error) {
	f.prompt, f.nsfw = prompt, nsfw
	onProgress("进度 50%")
	return f.path, f.err
}

type fakeSpeaker struct{}

func (fakeSpeaker) Speak(_ context.Context, text string) (string, error) {
	return "file:///tmp/" + text + ".wav", nil
}

type fakeTorrents struct {
	added    []string
	category string
	list     []Torrent
	err      error
}

func (f *fakeTorrents) AddMagnet(_ context.Context, magnet, category string) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, magnet)
	f.category = category
	return nil
}

func (f *fakeTorrents) List(context.Context) ([]Torrent, error) { return f.list, f.err }

func withChat(backend *chatBackend) func(*Deps) {
	return func(d *Deps) {
		d.Chat = chatstream.NewAggregator(backend, inlineSubmitter{}, workpool.Inline, chatstream.Options{}, nil)
	}
}

func TestGroupChat_SendsEachLine(t *testing.T) {
	backend := &chatBackend{deltas: []string{"你好", "呀\n@7#hi", " there\n"}}
	h := newHarness(t, withChat(backend), Options{SystemPrompt: "be a cat"})

	h.publish(t, groupMessage("hello", mentionSelf))

	msgs := h.client.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, onebot.MessageGroup, msgs[0].scope)
	assert.Equal(t, int64(groupID), msgs[0].target)
	assert.Equal(t, "你好呀", onebot.PlainText(msgs[0].segments))

	second := msgs[1].segments
	require.Len(t, second, 2)
	assert.Equal(t, onebot.SegmentAt, second[0].Type)
	assert.Equal(t, "7", second[0].Target())
	assert.Equal(t, "hi there", second[1].Text())

	req := backend.last()
	assert.Equal(t, "be a cat", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, chatstream.Message{Role: chatstream.RoleUser, Content: "hello"}, req.Messages[0])

	turns, err := h.store.RecentTurns(context.Background(), groupID, userID, 10)
	require.NoError(t, err)
	var assistant []string
	for _, turn := range turns {
		if turn.Role == store.RoleAssistant {
			assistant = append(assistant, turn.Message)
		}
	}
	assert.Equal(t, []string{"你好呀", "@7#hi there"}, assistant)
}

func TestGroupChat_OrderedLinesOnPool(t *testing.T) {
	pool := workpool.New(4, 16, nil)
	t.Cleanup(pool.Close)
	backend := &chatBackend{deltas: []string{"一\n二\n", "三\n四\n五"}}
	h := newHarness(t, func(d *Deps) {
		d.Exec = pool
		d.Chat = chatstream.NewAggregator(backend, pool, pool, chatstream.Options{Ordered: true}, nil)
	}, Options{})

	h.publish(t, groupMessage("数数", mentionSelf))

	want := []string{"一", "二", "三", "四", "五"}
	require.Eventually(t, func() bool { return len(h.client.messages()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, h.client.texts())

	var assistant []string
	require.Eventually(t, func() bool {
		turns, err := h.store.RecentTurns(context.Background(), groupID, userID, 10)
		if err != nil {
			return false
		}
		assistant = assistant[:0]
		for _, turn := range turns {
			if turn.Role == store.RoleAssistant {
				assistant = append(assistant, turn.Message)
			}
		}
		return len(assistant) == len(want)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, assistant)
}

func TestGroupChat_IgnoresUnmentioned(t *testing.T) {
	backend := &chatBackend{deltas: []string{"hi\n"}}
	h := newHarness(t, withChat(backend), Options{})

	h.publish(t, groupMessage("hello"))
	assert.Empty(t, h.client.messages())
	assert.Empty(t, backend.requests)
}

func TestGroupChat_BlacklistedGroup(t *testing.T) {
	backend := &chatBackend{deltas: []string{"hi\n"}}
	h := newHarness(t, withChat(backend), Options{})
	h.setGroup(t, store.Group{GroupID: groupID, Blacklisted: true})

	h.publish(t, groupMessage("hello", mentionSelf))
	assert.Empty(t, h.client.messages())
}

func TestGroupChat_UsesStoredConversation(t *testing.T) {
	backend := &chatBackend{deltas: []string{"ok"}}
	h := newHarness(t, withChat(backend), Options{HistoryLimit: 5})
	ctx := context.Background()
	base := time.Unix(1600000000, 0)
	require.NoError(t, h.store.SaveTurn(ctx, &store.Turn{GroupID: groupID, UserID: userID, Role: store.RoleUser, Message: "之前（小声）", Time: base}))
	require.NoError(t, h.store.SaveTurn(ctx, &store.Turn{GroupID: groupID, UserID: userID, Role: store.RoleAssistant, Message: "嗯", Time: base.Add(time.Second)}))

	h.publish(t, groupMessage("现在", mentionSelf))

	req := backend.last()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, chatstream.Message{Role: chatstream.RoleUser, Content: "之前"}, req.Messages[0])
	assert.Equal(t, chatstream.Message{Role: chatstream.RoleAssistant, Content: "嗯"}, req.Messages[1])
	assert.Equal(t, chatstream.Message{Role: chatstream.RoleUser, Content: "现在"}, req.Messages[2])
	assert.Equal(t, []string{"ok"}, h.client.texts())
}

func TestGroupChat_Actions(t *testing.T) {
	line := `[{"type":"chat","content":"喵","targetUser":"8"},{"type":"audio","content":"meow"},{"type":"image","content":"a cat"}]`
	backend := &chatBackend{deltas: []string{line + "\n"}}
	h := newHarness(t, func(d *Deps) {
		withChat(backend)(d)
		d.Speaker = fakeSpeaker{}
	}, Options{})

	h.publish(t, groupMessage("hi", mentionSelf))

	msgs := h.client.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, onebot.NewBuilder().At(8).Text("喵").Build(), msgs[0].segments)
	assert.Equal(t, onebot.NewBuilder().Record("file:///tmp/meow.wav").Build(), msgs[1].segments)
	assert.Equal(t, drawHint, onebot.PlainText(msgs[2].segments))
}

func TestGroupChat_VoiceGroupSpeaksLines(t *testing.T) {
	backend := &chatBackend{deltas: []string{"meow\n"}}
	h := newHarness(t, func(d *Deps) {
		withChat(backend)(d)
		d.Speaker = fakeSpeaker{}
	}, Options{})
	h.setGroup(t, store.Group{GroupID: groupID, VoiceChat: true})

	h.publish(t, groupMessage("hi", mentionSelf))

	msgs := h.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, onebot.SegmentRecord, msgs[0].segments[0].Type)
}

func TestPrivateChat_AdminsOnly(t *testing.T) {
	backend := &chatBackend{deltas: []string{"hey\n"}}
	h := newHarness(t, withChat(backend), Options{Admins: []int64{adminID}})

	h.publish(t, privateMessage(userID, "hi"))
	assert.Empty(t, h.client.messages())

	h.publish(t, privateMessage(adminID, "hi"))
	msgs := h.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, onebot.MessagePrivate, msgs[0].scope)
	assert.Equal(t, int64(adminID), msgs[0].target)
	assert.Equal(t, "hey", onebot.PlainText(msgs[0].segments))

	req := backend.last()
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Content)
}

func TestPrivateChat_CommandsAreNotChat(t *testing.T) {
	backend := &chatBackend{deltas: []string{"hey\n"}}
	h := newHarness(t, withChat(backend), Options{Admins: []int64{adminID}})

	h.publish(t, privateMessage(adminID, "-hello "))
	assert.Equal(t, []string{"hello"}, h.client.texts())
	assert.Empty(t, backend.requests)
}

func TestDraw(t *testing.T) {
	images := &fakeImages{image: "https://img.example/1.png"}
	h := newHarness(t, func(d *Deps) { d.Images = images }, Options{})
	h.setGroup(t, store.Group{GroupID: groupID, Features: []string{FeatureDraw}, Credits: 2})

	h.publish(t, groupMessage("-bnn 一只猫", `{"type":"image","data":{"url":"https://in.example/ref.png"}}`))

	texts := h.client.texts()
	require.Len(t, texts, 3)
	assert.Equal(t, drawStarted, texts[0])
	assert.True(t, strings.HasPrefix(texts[1], "图像生成完成"), texts[1])

	last := h.client.messages()[2].segments
	assert.Equal(t, onebot.NewBuilder().At(userID).Image("https://img.example/1.png").Build(), last)

	assert.Equal(t, []string{"一只猫"}, images.prompts)
	assert.Equal(t, [][]string{{"https://in.example/ref.png"}}, images.urls)

	g, err := h.store.GetGroup(context.Background(), groupID)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Credits)
}

func TestDraw_RequiresFeatureAndCredits(t *testing.T) {
	images := &fakeImages{image: "https://img.example/1.png"}
	h := newHarness(t, func(d *Deps) { d.Images = images }, Options{})

	h.setGroup(t, store.Group{GroupID: groupID, Features: []string{FeatureDraw}})
	h.publish(t, groupMessage("-bnn cat"))
	h.setGroup(t, store.Group{GroupID: groupID, Credits: 3})
	h.publish(t, groupMessage("-bnn cat"))

	assert.Empty(t, h.client.messages())
	assert.Empty(t, images.prompts)
}

func TestDraw_FailureKeepsCredits(t *testing.T) {
	images := &fakeImages{err: errors.New("upstream down")}
	h := newHarness(t, func(d *Deps) { d.Images = images }, Options{})
	h.setGroup(t, store.Group{GroupID: groupID, Features: []string{FeatureDraw}, Credits: 1})

	h.publish(t, groupMessage("-bnn cat"))

	assert.Equal(t, []string{drawStarted, drawFailed}, h.client.texts())
	g, err := h.store.GetGroup(context.Background(), groupID)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Credits)
}

func TestDiffusion(t *testing.T) {
	diffuser := &fakeDiffuser{path: "/srv/out/sd.png"}
	h := newHarness(t, func(d *Deps) { d.Diffuser = diffuser }, Options{})
	h.setGroup(t, store.Group{GroupID: groupID, Features: []string{FeatureDiffusion}})

	h.publish(t, groupMessage("-sd nsfw 猫娘"))

	msgs := h.client.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "进度 50%", onebot.PlainText(msgs[0].segments))
	assert.Equal(t, onebot.NewBuilder().Image("file:///srv/out/sd.png").Build(), msgs[1].segments)
	assert.True(t, diffuser.nsfw)
	assert.Equal(t, "nsfw 猫娘", diffuser.prompt)
	assert.False(t, h.bot.diffusing.Held())
}

// blockingDiffuser holds every Draw until release is closed.
type blockingDiffuser struct {
	started chan string
	release chan struct{}
	calls   atomic.Int32
}

func (f *blockingDiffuser) Draw(_ context.Context, prompt string, _ bool, _ func(string)) (string, error) {
	f.calls.Add(1)
	f.started <- prompt
	<-f.release
	return "/srv/out/sd.png", nil
}

func TestDiffusion_BusyRejectsWhileDrawing(t *testing.T) {
	pool := workpool.New(4, 16, nil)
	t.Cleanup(pool.Close)
	diffuser := &blockingDiffuser{started: make(chan string, 2), release: make(chan struct{})}
	h := newHarness(t, func(d *Deps) {
		d.Diffuser = diffuser
		d.Exec = pool
	}, Options{})
	h.setGroup(t, store.Group{GroupID: groupID, Features: []string{FeatureDiffusion}})
	released := false
	t.Cleanup(func() {
		if !released {
			close(diffuser.release)
		}
	})

	h.publish(t, groupMessage("-sd first"))
	select {
	case prompt := <-diffuser.started:
		assert.Equal(t, "first", prompt)
	case <-time.After(2 * time.Second):
		t.Fatal("first diffusion never started")
	}

	h.publish(t, groupMessage("-sd second"))
	require.Eventually(t, func() bool {
		return slices.Contains(h.client.texts(), diffusionBusy)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), diffuser.calls.Load())
	assert.True(t, h.bot.diffusing.Held())

	close(diffuser.release)
	released = true
	image := onebot.NewBuilder().Image("file:///srv/out/sd.png").Build()
	require.Eventually(t, func() bool {
		for _, m := range h.client.messages() {
			if assert.ObjectsAreEqual(image, m.segments) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !h.bot.diffusing.Held() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), diffuser.calls.Load())
}

func TestDiffusion_FailureReleasesLatch(t *testing.T) {
	diffuser := &fakeDiffuser{err: errors.New("oom")}
	h := newHarness(t, func(d *Deps) { d.Diffuser = diffuser }, Options{})
	h.setGroup(t, store.Group{GroupID: groupID, Features: []string{FeatureDiffusion}})

	h.publish(t, groupMessage("-sd cat"))

	assert.Equal(t, []string{"进度 50%", diffusionFailed}, h.client.texts())
	assert.False(t, h.bot.diffusing.Held())
}

func TestDiffusion_RequiresFeature(t *testing.T) {
	diffuser := &fakeDiffuser{path: "/srv/out/sd.png"}
	h := newHarness(t, func(d *Deps) { d.Diffuser = diffuser }, Options{})

	h.publish(t, groupMessage("-sd cat"))
	assert.Empty(t, h.client.messages())
}

func TestMagnet(t *testing.T) {
	torrents := &fakeTorrents{}
	h := newHarness(t, func(d *Deps) { d.Torrents = torrents }, Options{})

	link := "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=movie"
	h.publish(t, groupMessage(link+"  "))

	assert.Equal(t, []string{magnetAdded}, h.client.texts())
	assert.Equal(t, []string{link}, torrents.added)
	assert.Equal(t, defaultTorrentCategory, torrents.category)
}

func TestMagnet_Invalid(t *testing.T) {
	torrents := &fakeTorrents{}
	h := newHarness(t, func(d *Deps) { d.Torrents = torrents }, Options{})

	h.publish(t, groupMessage("magnet:?dn=movie"))

	texts := h.client.texts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasPrefix(texts[0], magnetFailed+": "), texts[0])
	assert.Empty(t, torrents.added)
}

func TestMagnet_ClientFailure(t *testing.T) {
	torrents := &fakeTorrents{err: errors.New("unauthorized")}
	h := newHarness(t, func(d *Deps) { d.Torrents = torrents }, Options{TorrentCategory: "tv"})

	h.publish(t, groupMessage("magnet:?xt=urn:btih:abc"))
	assert.Equal(t, []string{magnetFailed}, h.client.texts())
}

func TestListTorrents(t *testing.T) {
	torrents := &fakeTorrents{list: []Torrent{{
		Name: "movie", Progress: 0.5, State: "downloading",
		DownloadSpeed: 2048, Size: 3 << 30, ETA: 90 * time.Second,
	}}}
	h := newHarness(t, func(d *Deps) { d.Torrents = torrents }, Options{})
	h.setGroup(t, store.Group{GroupID: groupID, Features: []string{FeatureTorrents}})

	h.publish(t, groupMessage("-btlist "))

	assert.Equal(t, []string{FormatTorrents(torrents.list)}, h.client.texts())
}

func TestListTorrents_Empty(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Torrents = &fakeTorrents{} }, Options{})
	h.setGroup(t, store.Group{GroupID: groupID, Features: []string{FeatureTorrents}})

	h.publish(t, groupMessage("-btlist "))
	assert.Equal(t, []string{noTorrents}, h.client.texts())
}
