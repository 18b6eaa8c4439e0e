package commands_test

import (
	"context"
	"errors"
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/okonuma/hanbai/internal/hanbai/commands"
)

func TestParse_RequiresPrefix(t *testing.T) {
	r := commands.NewRouter("/hanbai")

	_, err := r.Parse("publish the spring bundle")
	if !errors.Is(err, commands.ErrNotACommand) {
		t.Fatalf("expected ErrNotACommand, got %v", err)
	}
}

func TestParse_CommandAndSubcommand(t *testing.T) {
	r := commands.NewRouter("/hanbai")

	cmd, err := r.Parse("/hanbai audit tail 5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Name != "audit" || cmd.Subcommand != "tail" {
		t.Fatalf("parsed %q/%q", cmd.Name, cmd.Subcommand)
	}
	if arg, ok := cmd.GetArg(0); !ok || arg != "5" {
		t.Fatalf("arg: %q %v", arg, ok)
	}
}

func TestParse_Flags(t *testing.T) {
	r := commands.NewRouter("/hanbai")

	cmd, err := r.Parse("/hanbai capabilities --refresh --tenant acme")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cmd.HasFlag("refresh") {
		t.Fatal("refresh flag missing")
	}
	if got := cmd.GetFlag("tenant", "default"); got != "acme" {
		t.Fatalf("tenant flag: %q", got)
	}
	if got := cmd.GetFlag("missing", "fallback"); got != "fallback" {
		t.Fatalf("default flag: %q", got)
	}
}

func TestRoute_SubcommandKeyThenPlainName(t *testing.T) {
	r := commands.NewRouter("/hanbai")
	var hit string
	r.Register("audit.tail", func(_ context.Context, _ *commands.Command, _ *event.Event) (string, error) {
		hit = "audit.tail"
		return "", nil
	})
	r.Register("trace", func(_ context.Context, _ *commands.Command, _ *event.Event) (string, error) {
		hit = "trace"
		return "", nil
	})

	if _, err := r.Route(context.Background(), "/hanbai audit tail", nil); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if hit != "audit.tail" {
		t.Fatalf("dispatched %q", hit)
	}

	// "trace t_123" parses t_123 as a subcommand; routing falls back to the
	// plain command name.
	if _, err := r.Route(context.Background(), "/hanbai trace t_123", nil); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if hit != "trace" {
		t.Fatalf("dispatched %q", hit)
	}
}

func TestRoute_UnknownCommand(t *testing.T) {
	r := commands.NewRouter("/hanbai")
	if _, err := r.Route(context.Background(), "/hanbai frobnicate", nil); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}
