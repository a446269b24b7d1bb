// ABOUTME: Turns a loaded config into supervised agents: one dialer per agent,
// ABOUTME: plus the optional journal observer and completion reactor

package main

import (
	"fmt"
	"log/slog"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/option"

	"github.com/2389/coven-a2a/internal/agent"
	"github.com/2389/coven-a2a/internal/await"
	"github.com/2389/coven-a2a/internal/completion"
	"github.com/2389/coven-a2a/internal/config"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/loop"
	"github.com/2389/coven-a2a/internal/store"
	"github.com/2389/coven-a2a/internal/transport"
	"github.com/2389/coven-a2a/internal/transport/matrix"
	"github.com/2389/coven-a2a/internal/transport/memory"
	"github.com/2389/coven-a2a/internal/transport/relay"
)

// dialerFactory builds one transport.Dialer per configured agent. The
// memory transport shares a single hub across the process.
type dialerFactory struct {
	transport config.TransportConfig
	hub       *memory.Hub
	logger    *slog.Logger
}

func newDialerFactory(tc config.TransportConfig, mailboxSize int, logger *slog.Logger) *dialerFactory {
	f := &dialerFactory{transport: tc, logger: logger}
	if tc.Kind == config.TransportMemory {
		f.hub = memory.NewHub(memory.WithMailboxSize(mailboxSize))
	}
	return f
}

func (f *dialerFactory) dialer(a config.AgentConfig) (transport.Dialer, error) {
	switch f.transport.Kind {
	case config.TransportMemory:
		return f.hub.Dialer(envelope.Address(a.Address)), nil
	case config.TransportRelay:
		return &relay.Dialer{
			URL:      f.transport.RelayURL,
			Address:  a.Address,
			Password: a.Password,
			Logger:   f.logger,
		}, nil
	case config.TransportMatrix:
		return &matrix.Dialer{
			Homeserver: f.transport.Homeserver,
			UserID:     a.Address,
			Password:   a.Password,
			DeviceName: "coven-a2a " + a.Name,
			Logger:     f.logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", f.transport.Kind)
	}
}

// agentConfig maps one config entry onto the controller's Config.
func agentConfig(a config.AgentConfig, tc config.TransportConfig) (agent.Config, error) {
	kinds, err := a.ReactKinds()
	if err != nil {
		return agent.Config{}, err
	}
	return agent.Config{
		Config: loop.Config{
			Name:           a.Name,
			Peer:           envelope.Address(a.Peer),
			Greeting:       a.Greeting,
			ReceiveTimeout: a.ReceiveTimeout,
			CyclePeriod:    a.CyclePeriod,
			SendTimeout:    tc.SendTimeout,
			ReactTo:        kinds,
		},
		Address:     envelope.Address(a.Address),
		DialTimeout: tc.DialTimeout,
	}, nil
}

// newCompletionService returns nil when no provider is configured.
func newCompletionService(cc config.CompletionConfig) (completion.Service, error) {
	switch cc.Provider {
	case "":
		return nil, nil
	case config.ProviderOpenAI:
		var opts []option.RequestOption
		if cc.APIKey != "" {
			opts = append(opts, option.WithAPIKey(cc.APIKey))
		}
		return completion.NewAssistantService(cc.AssistantID, opts...)
	case config.ProviderAnthropic:
		var opts []anthropicoption.RequestOption
		if cc.APIKey != "" {
			opts = append(opts, anthropicoption.WithAPIKey(cc.APIKey))
		}
		return completion.NewMessagesService(completion.MessagesConfig{
			Model:  cc.Model,
			System: cc.Instructions,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cc.Provider)
	}
}

// buildSupervisor registers every configured agent. journal may be nil.
func buildSupervisor(cfg *config.Config, journal store.Journal, logger *slog.Logger) (*agent.Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	factory := newDialerFactory(cfg.Transport, cfg.Relay.MailboxSize, logger)

	svc, err := newCompletionService(cfg.Completion)
	if err != nil {
		return nil, fmt.Errorf("creating completion service: %w", err)
	}

	sup := agent.NewSupervisor(logger, cfg.ShutdownTimeout)
	for _, a := range cfg.Agents {
		acfg, err := agentConfig(a, cfg.Transport)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.Name, err)
		}
		dialer, err := factory.dialer(a)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.Name, err)
		}

		opts := []agent.Option{agent.WithLogger(logger)}
		if journal != nil {
			opts = append(opts, agent.WithObserver(store.NewJournalObserver(journal, a.Name, logger)))
		}
		if a.UseCompletion && svc != nil {
			policy := await.DefaultPolicy()
			policy.Timeout = cfg.Completion.Timeout
			opts = append(opts, agent.WithReactor(completion.Reactor(svc, completion.ReactorConfig{
				Name:         a.Name,
				Instructions: cfg.Completion.Instructions,
				Policy:       policy,
				Logger:       logger,
			})))
		}

		if err := sup.Add(acfg, dialer, opts...); err != nil {
			return nil, err
		}
	}
	return sup, nil
}
