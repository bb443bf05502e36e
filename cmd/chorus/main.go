// Binary chorus runs a multi-agent chat room against an OpenAI-compatible
// backend. Agents take turns under a single channel lock; the user steers
// the room from stdin.
//
// Commands:
//
//	/pause        stop scheduling turns
//	/resume       resume scheduling
//	/say <text>   speak as the user (plain lines work too)
//	/quit         exit
//
// A leading "@<agent> " addresses one agent directly instead of the room.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	chorus "github.com/seralin/chorus"
	"github.com/seralin/chorus/internal/config"
	"github.com/seralin/chorus/observer"
	"github.com/seralin/chorus/provider/openaicompat"
	"github.com/seralin/chorus/tools/shell"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Load config
	cfg := config.Load(os.Getenv("CHORUS_CONFIG"))

	// 2. Create transport
	topts := []openaicompat.TransportOption{
		openaicompat.WithLogger(logger),
		openaicompat.WithIdleTimeout(time.Duration(cfg.Transport.IdleStreamMs) * time.Millisecond),
		openaicompat.WithHardStop(time.Duration(cfg.Transport.HardStopMs) * time.Millisecond),
	}
	if cfg.LLM.APIKey != "" {
		topts = append(topts, openaicompat.WithAPIKey(cfg.LLM.APIKey))
	}
	if cfg.LLM.ForceV1 {
		topts = append(topts, openaicompat.WithForceV1())
	}
	var transport chorus.Transport = openaicompat.NewTransport(cfg.LLM.BaseURL, topts...)

	// 3. Create tools
	var tools chorus.Tool = shell.New(cfg.Workspace.Path, time.Duration(cfg.Workspace.ShellTimeoutMs)*time.Millisecond)

	// 4. Observer (opt-in via config)
	var tracer chorus.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(context.Background())
		if err != nil {
			logger.Error("observer init failed", "error", err)
			return 1
		}
		defer shutdown(context.Background())
		transport = observer.WrapTransport(transport, inst)
		tools = observer.WrapTool(tools, inst)
		tracer = observer.NewTracer()
		logger.Info("OTEL observability enabled")
	}

	// 5. Room infrastructure
	lock := chorus.NewChannelLock(time.Duration(cfg.Engine.LockMaxHoldMs)*time.Millisecond,
		chorus.WithLockLogger(logger))
	defer lock.Close()
	gate := chorus.NewTransportGate(
		chorus.WithGateCooldown(time.Duration(cfg.Transport.CooldownMs)*time.Millisecond),
		chorus.WithGateLogger(logger))
	pause := chorus.NewPauseController()
	room := chorus.NewChatRoom(
		chorus.WithFreshWindow(time.Duration(cfg.Room.FreshWindowMs)*time.Millisecond),
		chorus.WithRoomLogger(logger))
	if err := os.MkdirAll(cfg.Workspace.Path, 0o755); err != nil {
		logger.Error("workspace setup failed", "error", err)
		return 1
	}
	files := chorus.NewLocalFileWriter(cfg.Workspace.Path)

	registry := chorus.NewToolRegistry()
	registry.Add(tools)

	// 6. Agents + engines
	agentCfgs := cfg.Agents
	if len(agentCfgs) == 0 {
		agentCfgs = []config.AgentConfig{
			{Name: "Ada", Model: cfg.LLM.Model, SystemPrompt: "You are Ada, a pragmatic engineer. Be concise."},
			{Name: "Grace", Model: cfg.LLM.Model, SystemPrompt: "You are Grace, a careful reviewer. Be concise."},
		}
	}
	var engines []*chorus.TurnEngine
	for _, ac := range agentCfgs {
		model := ac.Model
		if model == "" {
			model = cfg.LLM.Model
		}
		agent := chorus.NewAgent(ac.Name, model, ac.SystemPrompt)
		agent.SetOnMessage(func(m chorus.Message) {
			if m.Role != "tool" {
				fmt.Printf("[%s] %s\n", m.From, m.Content)
			}
		})
		if err := room.AddAgent(agent); err != nil {
			logger.Error("agent registration failed", "agent", ac.Name, "error", err)
			return 1
		}
		engines = append(engines, chorus.NewTurnEngine(agent, room, lock, gate, transport,
			registry, nil, files, pause, chorus.EngineOptions{
				MaxHops:             cfg.Engine.MaxHops,
				MaxToolCallsPerTurn: cfg.Engine.MaxToolCallsPerTurn,
				MaxContextMessages:  cfg.Engine.MaxContextMessages,
				MaxContentChars:     cfg.Engine.MaxContentChars,
				Logger:              logger,
				Tracer:              tracer,
			}))
	}

	// 7. Scheduler
	manager := chorus.NewTurnManager(room, engines, transport, pause, gate, chorus.ManagerOptions{
		TickInterval:      time.Duration(cfg.Scheduler.TickMs) * time.Millisecond,
		TurnTimeout:       time.Duration(cfg.Scheduler.TurnTimeoutMs) * time.Millisecond,
		IdleBackoff:       time.Duration(cfg.Scheduler.IdleBackoffMs) * time.Millisecond,
		ProactiveInterval: time.Duration(cfg.Scheduler.ProactiveMs) * time.Millisecond,
		PokeAfter:         time.Duration(cfg.Scheduler.PokeAfterMs) * time.Millisecond,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go manager.Start(ctx)

	// 8. Stdin control loop. A plain line broadcasts as the user; slash
	// commands steer the scheduler.
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	logger.Info("chorus started", "agents", len(engines), "base_url", cfg.LLM.BaseURL)
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted, shutting down")
			return 130
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
				continue
			case text == "/quit" || text == "/exit":
				return 0
			case text == "/pause":
				pause.Pause()
				fmt.Println("(paused)")
			case text == "/resume":
				pause.Resume()
				fmt.Println("(resumed)")
			case strings.HasPrefix(text, "/say "):
				speak(room, pause, strings.TrimPrefix(text, "/say "))
			case strings.HasPrefix(text, "/"):
				fmt.Println("(unknown command)")
			default:
				speak(room, pause, text)
			}
		}
	}
}

// speak delivers user input, honoring an optional leading @agent address,
// and opens a short user-control window so the agents yield to the human.
func speak(room *chorus.ChatRoom, pause *chorus.PauseController, text string) {
	pause.BeginUserControl(1500)
	defer pause.EndUserControl()
	if strings.HasPrefix(text, "@") {
		if name, rest, ok := strings.Cut(text[1:], " "); ok {
			if _, found := room.Agent(name); found {
				room.SendTo("User", name, strings.TrimSpace(rest))
				return
			}
		}
	}
	room.Broadcast("User", text)
}
