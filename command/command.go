// Package command turns moderator chat commands into queued outbound messages
// and operator notifications.
package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/chatrelay/dedup"
	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/notify"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/queue"
	"github.com/onnwee/chatrelay/telemetry"
)

// Outcome reports what Process did with a message.
type Outcome string

const (
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnknown      Outcome = "unknown"
	OutcomeExecuted     Outcome = "executed"
	OutcomeFailed       Outcome = "failed"
)

// DefaultPrefix starts every command.
const DefaultPrefix = "!"

// DefaultCooldown is how long an identical invocation is suppressed.
const DefaultCooldown = 5 * time.Second

var errUsage = errors.New("missing argument")

// Enqueuer is the part of the delivery queue commands need.
type Enqueuer interface {
	Enqueue(text string, targets []platform.Platform, pr queue.Priority) (string, error)
}

// Invocation is a parsed command.
type Invocation struct {
	Name    string
	Args    string
	Message events.ChatMessage
}

// Func executes a command.
type Func func(ctx context.Context, p *Processor, inv Invocation) error

// Options configure a Processor.
type Options struct {
	Prefix   string
	Cooldown time.Duration
	Custom   []Definition
}

// Processor parses, authorizes, deduplicates and runs commands.
type Processor struct {
	prefix   string
	queue    Enqueuer
	notifier notify.Notifier
	recent   *dedup.Window
	commands map[string]Func
}

// New builds a processor with the built-in commands plus opts.Custom.
func New(q Enqueuer, n notify.Notifier, opts Options) *Processor {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	p := &Processor{
		prefix:   opts.Prefix,
		queue:    q,
		notifier: n,
		recent:   dedup.New(1024, opts.Cooldown),
		commands: map[string]Func{
			"announce": announce,
			"say":      say,
			"testsub":  testSub,
		},
	}
	for _, d := range opts.Custom {
		p.commands[d.Name] = custom(d)
	}
	return p
}

// Register adds or replaces a command.
func (p *Processor) Register(name string, fn Func) {
	p.commands[strings.ToLower(name)] = fn
}

// Handle adapts the processor to the chat bus.
func (p *Processor) Handle(ev events.Event) error {
	msg, ok := ev.(events.ChatMessage)
	if !ok {
		return nil
	}
	p.Process(context.Background(), msg)
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func fingerprint(msg events.ChatMessage) string {
	sum := sha256.Sum256([]byte(string(msg.Platform) + "\x00" + msg.PlatformUserID + "\x00" + normalize(msg.Text)))
	return hex.EncodeToString(sum[:])
}

// Process runs msg if it is an authorized, non-duplicate command.
func (p *Processor) Process(ctx context.Context, msg events.ChatMessage) Outcome {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, p.prefix) {
		return OutcomeIgnored
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(text, p.prefix), " ")
	name = strings.ToLower(name)
	if name == "" {
		return OutcomeIgnored
	}
	log := slog.With(slog.String("component", "command"), slog.String("command", name),
		slog.String("platform", string(msg.Platform)), slog.String("user", msg.Username))

	if !msg.Badges.IsModeratorClass() {
		log.Debug("unauthorized command ignored")
		return p.done(name, OutcomeUnauthorized)
	}
	fn, ok := p.commands[name]
	if !ok {
		return p.done(name, OutcomeUnknown)
	}
	if p.recent.Seen(msg.Platform, fingerprint(msg)) {
		log.Debug("duplicate command dropped")
		return p.done(name, OutcomeDuplicate)
	}
	inv := Invocation{Name: name, Args: strings.TrimSpace(args), Message: msg}
	if err := fn(ctx, p, inv); err != nil {
		log.Warn("command failed", slog.Any("err", err))
		return p.done(name, OutcomeFailed)
	}
	log.Info("command executed")
	return p.done(name, OutcomeExecuted)
}

func (p *Processor) done(name string, o Outcome) Outcome {
	telemetry.CommandSeen(name, string(o))
	return o
}

func (p *Processor) enqueue(text, target string, pr queue.Priority) error {
	targets, err := platform.ExpandTargets(target)
	if err != nil {
		return err
	}
	if _, err := p.queue.Enqueue(text, targets, pr); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (p *Processor) notify(ctx context.Context, typ string, inv Invocation, text string) {
	notify.Fire(ctx, p.notifier, notify.Notification{
		Type:     typ,
		Platform: string(inv.Message.Platform),
		Username: inv.Message.Username,
		Text:     text,
	})
}

func announce(ctx context.Context, p *Processor, inv Invocation) error {
	if inv.Args == "" {
		return fmt.Errorf("announce: %w", errUsage)
	}
	if err := p.enqueue(inv.Args, platform.TargetAll, queue.High); err != nil {
		return err
	}
	p.notify(ctx, "announce", inv, inv.Args)
	return nil
}

func say(ctx context.Context, p *Processor, inv Invocation) error {
	if inv.Args == "" {
		return fmt.Errorf("say: %w", errUsage)
	}
	if err := p.enqueue(inv.Args, platform.TargetAll, queue.Normal); err != nil {
		return err
	}
	p.notify(ctx, "say", inv, inv.Args)
	return nil
}

func testSub(ctx context.Context, p *Processor, inv Invocation) error {
	text := fmt.Sprintf("Thanks for subscribing, %s! (test)", inv.Message.Username)
	if err := p.enqueue(text, platform.TargetAll, queue.Normal); err != nil {
		return err
	}
	p.notify(ctx, "test_subscription", inv, text)
	return nil
}

func custom(d Definition) Func {
	return func(ctx context.Context, p *Processor, inv Invocation) error {
		pr, err := queue.ParsePriority(d.Priority)
		if err != nil {
			return err
		}
		text := render(d.Reply, inv)
		if err := p.enqueue(text, d.Target, pr); err != nil {
			return err
		}
		if d.Notify {
			p.notify(ctx, "command."+d.Name, inv, text)
		}
		return nil
	}
}
