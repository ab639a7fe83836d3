package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatpush/internal/eventbus"
	"chatpush/internal/push"
	"chatpush/internal/storage"
	"chatpush/internal/tokens"
	logx "chatpush/pkg/logx"
)

type scriptedProvider struct {
	mu      sync.Mutex
	results map[string]error
	sent    []push.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Send(_ context.Context, msg push.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return p.results[msg.Endpoint]
}

func (p *scriptedProvider) Validate(context.Context, string) error { return nil }

func setup(t *testing.T, provider push.Provider, opts Options) (*Dispatcher, *tokens.Service, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	svc := tokens.New(st, logx.Nop(), tokens.Options{})
	return New(svc, provider, logx.Nop(), opts), svc, st
}

func TestDispatchIsolatesEndpointFailures(t *testing.T) {
	ctx := context.Background()
	prov := &scriptedProvider{results: map[string]error{
		"Y": fmt.Errorf("%w: unregistered", push.ErrInvalidEndpoint),
		"Z": errors.New("503 unavailable"),
	}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TypeDispatched)
	defer unsub()

	d, svc, _ := setup(t, prov, Options{Bus: bus})
	for _, ep := range []string{"X", "Y", "Z"} {
		_, err := svc.Register(ctx, "bob", ep)
		require.NoError(t, err)
	}

	rep, err := d.Dispatch(ctx, Event{SenderID: "alice", SenderName: "Alice", RecipientID: "bob", ConversationID: "c1", Text: "hola"})
	require.NoError(t, err)
	require.Equal(t, 3, rep.Total)
	require.Equal(t, 1, rep.Delivered)
	require.Equal(t, 1, rep.Invalid)
	require.Equal(t, 1, rep.Transient)
	require.Equal(t, 1, rep.Evicted)
	require.Len(t, rep.Outcomes, 3)

	snap, err := svc.Snapshot(ctx, "bob")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"X", "Z"}, snap)

	require.Len(t, prov.sent, 3, "no retry inside one dispatch")
	require.Len(t, ch, 1)
	published := (<-ch).Data.(Report)
	require.Equal(t, rep.ID, published.ID)
	require.Nil(t, published.Outcomes)
}

func TestDispatchWithoutEndpoints(t *testing.T) {
	ctx := context.Background()
	prov := &scriptedProvider{}
	d, _, st := setup(t, prov, Options{})

	rep, err := d.Dispatch(ctx, Event{RecipientID: "nobody", Text: "hi"})
	require.NoError(t, err)
	require.True(t, rep.NoEndpoints)
	require.Zero(t, rep.Total)
	require.Zero(t, rep.Delivered)
	require.Empty(t, prov.sent)

	rec, err := st.Load(ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, rec.Version, "no record must be created")
}

type failingEndpoints struct{}

func (failingEndpoints) Snapshot(context.Context, string) ([]string, error) {
	return nil, tokens.ErrStoreUnavailable
}
func (failingEndpoints) Evict(context.Context, string, string) (bool, error) { return false, nil }

func TestDispatchStoreUnavailable(t *testing.T) {
	prov := &scriptedProvider{}
	d := New(failingEndpoints{}, prov, logx.Nop(), Options{})

	_, err := d.Dispatch(context.Background(), Event{RecipientID: "bob"})
	require.ErrorIs(t, err, tokens.ErrStoreUnavailable)
	require.Empty(t, prov.sent)
}

func TestDispatchRequiresRecipient(t *testing.T) {
	d := New(failingEndpoints{}, &scriptedProvider{}, logx.Nop(), Options{})
	_, err := d.Dispatch(context.Background(), Event{Text: "hi"})
	require.ErrorIs(t, err, ErrNoRecipient)
}

type gateProvider struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *gateProvider) Name() string { return "gate" }
func (p *gateProvider) Send(context.Context, push.Message) error {
	n := p.inFlight.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	p.inFlight.Add(-1)
	return nil
}
func (p *gateProvider) Validate(context.Context, string) error { return nil }

func TestDispatchRespectsParallelLimit(t *testing.T) {
	ctx := context.Background()
	prov := &gateProvider{}
	d, svc, _ := setup(t, prov, Options{MaxParallel: 2})
	for i := 0; i < 8; i++ {
		_, err := svc.Register(ctx, "bob", fmt.Sprintf("ep-%d", i))
		require.NoError(t, err)
	}
	rep, err := d.Dispatch(ctx, Event{RecipientID: "bob", Text: "x"})
	require.NoError(t, err)
	require.Equal(t, 8, rep.Delivered)
	require.LessOrEqual(t, prov.peak.Load(), int32(2))
}

func TestBuildMessage(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	msg := BuildMessage(Event{
		SenderID: "a", SenderName: "Ana", RecipientID: "b", ConversationID: "c", Text: "hola",
	}, now)

	require.Equal(t, "Ana te envió un mensaje", msg.Notification.Title)
	require.Equal(t, "hola", msg.Notification.Body)
	require.Equal(t, map[string]string{
		"senderId":       "a",
		"senderName":     "Ana",
		"conversationId": "c",
		"messageType":    "text",
		"timestamp":      "1700000000123",
	}, msg.Data)
	require.Equal(t, push.Android{ChannelID: "chat_message_channel", Priority: "high"}, msg.Android)

	img := BuildMessage(Event{SenderName: "Ana", RecipientID: "b", MessageType: "image"}, now)
	require.Equal(t, "Te envió una imagen", img.Notification.Body)
	file := BuildMessage(Event{SenderName: "Ana", RecipientID: "b", MessageType: "file"}, now)
	require.Equal(t, "Te envió un archivo", file.Notification.Body)
	empty := BuildMessage(Event{SenderName: "Ana", RecipientID: "b"}, now)
	require.Equal(t, "Te envió una imagen", empty.Notification.Body)
	unknown := BuildMessage(Event{SenderName: "Ana", RecipientID: "b", MessageType: "sticker"}, now)
	require.Equal(t, "Te envió una imagen", unknown.Notification.Body)
}
