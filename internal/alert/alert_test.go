package alert

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	got []Failure
}

func (r *recorder) NotifyFailure(_ context.Context, f Failure) {
	r.mu.Lock()
	r.got = append(r.got, f)
	r.mu.Unlock()
}

type customErr struct{}

func (customErr) Error() string { return "custom" }

func TestNewFailureRecordsErrType(t *testing.T) {
	f := NewFailure(3, "n", "heartbeat", "r1", customErr{}, false, time.Unix(0, 0))
	if f.ErrType != "alert.customErr" {
		t.Fatalf("err type=%q", f.ErrType)
	}
	if f.Err != "custom" {
		t.Fatalf("err=%q", f.Err)
	}
}

func TestFanoutSkipsNil(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Fanout{a, nil, b}.NotifyFailure(context.Background(), Failure{TaskID: 1})
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestLogNotifierWritesError(t *testing.T) {
	var buf bytes.Buffer
	Log{Log: logx.New(&buf, "debug")}.NotifyFailure(context.Background(), NewFailure(9, "nightly", "x", "r", errors.New("boom"), false, time.Now()))
	out := buf.String()
	if !strings.Contains(out, `"task":"nightly"`) || !strings.Contains(out, "boom") {
		t.Fatalf("log output: %s", out)
	}
}

func TestBusNotifierPublishes(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1, EventFailure)
	defer unsub()
	Bus{Bus: bus}.NotifyFailure(context.Background(), Failure{TaskID: 4})
	select {
	case e := <-ch:
		if e.Data.(Failure).TaskID != 4 {
			t.Fatalf("data=%v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

type fakeBot struct {
	mu   sync.Mutex
	sent []string
	to   []int64
	hit  chan struct{}
}

func (f *fakeBot) Send(to tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, what.(string))
	f.to = append(f.to, to.(*tele.Chat).ID)
	f.mu.Unlock()
	f.hit <- struct{}{}
	return &tele.Message{ID: 1}, nil
}

func TestTelegramSendsQueuedFailure(t *testing.T) {
	bot := &fakeBot{hit: make(chan struct{}, 4)}
	tg := newTelegram(TelegramConfig{ChatID: 42, RatePerSec: 5}, bot, logx.Nop())
	ctx := context.Background()
	tg.Start(ctx)
	defer tg.Stop(ctx)

	tg.NotifyFailure(ctx, NewFailure(1, "a<b>", "t", "r", errors.New("x & y"), true, time.Now()))
	select {
	case <-bot.hit:
	case <-time.After(2 * time.Second):
		t.Fatal("not sent")
	}
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if bot.to[0] != 42 {
		t.Fatalf("chat=%d", bot.to[0])
	}
	if !strings.Contains(bot.sent[0], "a&lt;b&gt;") || !strings.Contains(bot.sent[0], "x &amp; y") {
		t.Fatalf("not escaped: %s", bot.sent[0])
	}
}

func TestTelegramDropsOverRate(t *testing.T) {
	tg := newTelegram(TelegramConfig{ChatID: 1, RatePerSec: 1, QueueSize: 8}, &fakeBot{hit: make(chan struct{}, 8)}, logx.Nop())
	for i := 0; i < 3; i++ {
		tg.NotifyFailure(context.Background(), Failure{TaskID: int64(i)})
	}
	if got := len(tg.queue); got != 1 {
		t.Fatalf("queued=%d want 1", got)
	}
	if tg.dropped != 2 {
		t.Fatalf("dropped=%d", tg.dropped)
	}
}

func TestNewTelegramValidates(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("expected token error")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected chat error")
	}
}
