package alert

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "taskd/pkg/logx"
)

type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	RatePerSec  int
	SendTimeout time.Duration
	QueueSize   int
}

type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Telegram posts failures to a chat. NotifyFailure only enqueues; a worker
// started by Start sends, rate-limited. Overflow and over-rate alerts drop.
type Telegram struct {
	cfg     TelegramConfig
	log     logx.Logger
	bot     sender
	limiter *rate.Limiter
	queue   chan Failure

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	dropped uint64
}

// NewTelegram builds the bot offline; no request is made until a send.
func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return newTelegram(cfg, b, log), nil
}

func newTelegram(cfg TelegramConfig, bot sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Telegram{
		cfg:     cfg,
		log:     log,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan Failure, cfg.QueueSize),
	}
}

func (t *Telegram) NotifyFailure(_ context.Context, f Failure) {
	if !t.limiter.Allow() {
		t.drop("rate")
		return
	}
	select {
	case t.queue <- f:
	default:
		t.drop("queue_full")
	}
}

func (t *Telegram) drop(reason string) {
	t.mu.Lock()
	t.dropped++
	n := t.dropped
	t.mu.Unlock()
	t.log.Debug("telegram alert dropped", logx.String("reason", reason), logx.Uint64("dropped", n))
}

// Start runs the send worker until ctx ends or Stop is called.
func (t *Telegram) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.worker(ctx, t.done)
}

func (t *Telegram) Stop(ctx context.Context) {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (t *Telegram) worker(ctx context.Context, done chan struct{}) {
	defer close(done)
	to := &tele.Chat{ID: t.cfg.ChatID}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true, ThreadID: t.cfg.ThreadID}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-t.queue:
			if _, err := t.send(ctx, to, formatFailure(f), opts); err != nil {
				t.log.Warn("telegram alert send failed", logx.Int64("task_id", f.TaskID), logx.Err(err))
			}
		}
	}
}

// send bounds a blocking bot call by SendTimeout.
func (t *Telegram) send(ctx context.Context, to tele.Recipient, text string, opts *tele.SendOptions) (*tele.Message, error) {
	type result struct {
		m   *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := t.bot.Send(to, text, opts)
		ch <- result{m, err}
	}()
	timer := time.NewTimer(t.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.m, r.err
	case <-timer.C:
		return nil, fmt.Errorf("send timeout after %s", t.cfg.SendTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func formatFailure(f Failure) string {
	var b strings.Builder
	b.WriteString("<b>Task failed</b>: ")
	b.WriteString(html.EscapeString(f.TaskName))
	fmt.Fprintf(&b, " (#%d, %s)\n", f.TaskID, html.EscapeString(f.TaskType))
	if f.Panicked {
		b.WriteString("panic\n")
	}
	fmt.Fprintf(&b, "<code>%s</code>: %s\n", html.EscapeString(f.ErrType), html.EscapeString(truncate(f.Err, 600)))
	fmt.Fprintf(&b, "run %s at %s", html.EscapeString(f.RunID), f.At.Format(time.RFC3339))
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
