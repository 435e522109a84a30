package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AgentTether/AgentTether/internal/bridge"
	"github.com/AgentTether/AgentTether/internal/channels"
	"github.com/AgentTether/AgentTether/internal/config"
	"github.com/AgentTether/AgentTether/internal/events"
	"github.com/AgentTether/AgentTether/internal/pairing"
	"github.com/AgentTether/AgentTether/internal/subscriber"
	"github.com/AgentTether/AgentTether/internal/timeline"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the approval gateway",
	Run:   runGateway,
}

// gatewayChannel is what the gateway needs from a chat platform: the
// channel lifecycle plus the transport the dispatcher sends through.
type gatewayChannel interface {
	channels.Channel
	bridge.Transport
	Bind(d *bridge.Dispatcher)
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("🌐 AgentTether Gateway")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		fmt.Printf("Data dir error: %v\n", err)
		os.Exit(1)
	}

	pairStore, err := pairing.LoadOrCreate(cfg.PairingFile(), cfg.Pairing.Code)
	if err != nil {
		fmt.Printf("Pairing error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pairing code: %s\n", color.GreenString(pairStore.Code()))

	var audit *timeline.Service
	if cfg.Audit.Enabled {
		audit, err = timeline.NewService(cfg.AuditDBPath())
		if err != nil {
			fmt.Printf("Audit DB error: %v\n", err)
			os.Exit(1)
		}
		defer audit.Close()
	}

	channel, err := buildChannel(cfg, pairStore)
	if err != nil {
		fmt.Printf("Channel error: %v\n", err)
		os.Exit(1)
	}

	var sink *events.KafkaSink
	if cfg.Events.Kafka.Enabled {
		sink = events.NewKafkaSink(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic+".decisions")
		defer sink.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := bridge.New(channel, gatewayHandlers(audit, sink, time.Now()),
		bridge.WithStateFile(cfg.StateFile()),
		bridge.WithGrantDuration(cfg.Approval.GrantDuration()),
		bridge.WithNeverApprove(cfg.Approval.NeverApprove),
		bridge.WithFlushDelay(cfg.Approval.FlushDelay()),
		bridge.WithErrorDebounce(cfg.Approval.ErrorDebounce()),
		bridge.WithCommandPrefix(cfg.Approval.CommandPrefix),
		bridge.WithDisabledCommands(cfg.Approval.DisabledCommands...),
	)
	defer dispatcher.Close()
	channel.Bind(dispatcher)

	if err := channel.Start(ctx); err != nil {
		fmt.Printf("Failed to start %s: %v\n", channel.Name(), err)
		os.Exit(1)
	}
	defer channel.Stop()
	slog.Info("Channel started", "channel", channel.Name())

	sub := subscriber.New(&auditBridge{Dispatcher: dispatcher, audit: audit})
	defer sub.Close()

	if cfg.Events.Kafka.Enabled {
		source := events.NewKafkaSource(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.GroupID, cfg.Events.Kafka.Topic)
		if err := source.Start(ctx); err != nil {
			fmt.Printf("Kafka source error: %v\n", err)
			os.Exit(1)
		}
		defer source.Close()
		go sub.Run(ctx, source)
		slog.Info("Kafka source started", "brokers", cfg.Events.Kafka.Brokers, "topic", cfg.Events.Kafka.Topic)
	} else {
		slog.Warn("Kafka events disabled; gateway only reacts to chat traffic")
	}

	fmt.Println("Gateway running. Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Println("\nShutting down...")
}

// buildChannel returns the first enabled channel in a fixed order. The
// dispatcher drives exactly one transport.
func buildChannel(cfg *config.Config, store *pairing.Store) (gatewayChannel, error) {
	var enabled []string
	if cfg.Channels.Telegram.Enabled {
		enabled = append(enabled, "telegram")
	}
	if cfg.Channels.Slack.Enabled {
		enabled = append(enabled, "slack")
	}
	if cfg.Channels.WhatsApp.Enabled {
		enabled = append(enabled, "whatsapp")
	}
	if len(enabled) == 0 {
		path, _ := config.ConfigPath()
		return nil, fmt.Errorf("no channel enabled; enable channels.telegram, channels.slack or channels.whatsapp in %s", path)
	}
	if len(enabled) > 1 {
		slog.Warn("Multiple channels enabled, using first", "enabled", strings.Join(enabled, ","), "using", enabled[0])
	}

	switch enabled[0] {
	case "telegram":
		return channels.NewTelegram(cfg.Channels.Telegram, store)
	case "slack":
		return channels.NewSlack(cfg.Channels.Slack), nil
	default:
		return channels.NewWhatsApp(cfg.Channels.WhatsApp, cfg.WhatsAppStorePath()), nil
	}
}

// gatewayHandlers audits decisions and forwards them to the agent via
// the Kafka sink when one is configured.
func gatewayHandlers(audit *timeline.Service, sink *events.KafkaSink, started time.Time) bridge.Handlers {
	return bridge.Handlers{
		OnInput: func(ctx context.Context, threadID, text, username string) error {
			_ = audit.RecordThreadEvent(threadID, "input", text)
			if sink == nil {
				slog.Info("Input received, no agent sink", "thread_id", threadID, "from", username)
				return nil
			}
			return sink.Publish(ctx, threadID, events.Event{
				Type: "input",
				Data: map[string]any{"text": text, "username": username},
			})
		},
		OnApproval: func(ctx context.Context, threadID, requestID string, approved bool, reason, timer string) error {
			_ = audit.ResolveRequest(requestID, approved, reason, timer, "")
			if sink == nil {
				slog.Info("Approval resolved, no agent sink", "thread_id", threadID, "request_id", requestID, "approved", approved)
				return nil
			}
			return sink.Publish(ctx, threadID, events.Event{
				Type: "approval_decision",
				Data: map[string]any{
					"request_id": requestID,
					"approved":   approved,
					"reason":     reason,
					"timer":      timer,
				},
			})
		},
		OnStatus: func(ctx context.Context) (string, error) {
			return fmt.Sprintf("AgentTether %s, up %s", version, time.Since(started).Round(time.Second)), nil
		},
	}
}

// auditBridge records every opened request before handing it to the
// dispatcher. Requests covered by an active grant are written as
// auto_approved straight away; the dispatcher's own grant check then
// resolves them without touching the audit row, because ResolveRequest
// only updates pending rows. All other bridge calls pass through.
type auditBridge struct {
	*bridge.Dispatcher
	audit *timeline.Service
}

func (b *auditBridge) SendApprovalRequest(ctx context.Context, threadID, requestID, toolName, description string) {
	if reason, ok := b.Engine().Check(threadID, toolName); ok {
		_ = b.audit.RecordAutoApproval(requestID, threadID, toolName, reason)
	} else {
		_ = b.audit.RecordRequest(requestID, threadID, "permission", toolName, description)
	}
	b.Dispatcher.SendApprovalRequest(ctx, threadID, requestID, toolName, description)
}

func (b *auditBridge) SendChoiceRequest(ctx context.Context, threadID, requestID, title, description string, options []string) {
	_ = b.audit.RecordRequest(requestID, threadID, "choice", title, strings.Join(options, ", "))
	b.Dispatcher.SendChoiceRequest(ctx, threadID, requestID, title, description, options)
}
