package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/chatgate/internal/audit"
	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/channels"
	"github.com/KafClaw/chatgate/internal/config"
	"github.com/KafClaw/chatgate/internal/dispatch"
	"github.com/KafClaw/chatgate/internal/features"
	"github.com/KafClaw/chatgate/internal/gateway"
	"github.com/KafClaw/chatgate/internal/handlers"
	"github.com/KafClaw/chatgate/internal/mirror"
	"github.com/KafClaw/chatgate/internal/scheduler"
	"github.com/KafClaw/chatgate/internal/store"
	"github.com/KafClaw/chatgate/internal/toggle"
)

var gatewayDryRun bool

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the chat gateway",
	Run:   runGateway,
}

func init() {
	gatewayCmd.Flags().BoolVar(&gatewayDryRun, "dry-run", false, "Print the configured wiring and exit")
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader(cmd.OutOrStdout(), "🚪 chatgate gateway")
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return
	}
	if gatewayDryRun {
		describeGateway(cmd.OutOrStdout(), cfg)
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := serveGateway(ctx, cfg); err != nil {
		slog.Error("Gateway exited", "error", err)
	}
}

// serveGateway wires every component from cfg and blocks until ctx is done.
func serveGateway(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	toggles := newToggleStore(cfg)
	n, err := toggles.Load(ctx, st)
	if err != nil {
		return fmt.Errorf("load toggles: %w", err)
	}
	slog.Info("Toggles loaded", "count", n, "driver", cfg.Store.Driver)

	msgBus := bus.NewMessageBus(cfg.Dispatch.BusSize)
	owner := gateway.NewOwnerReporter(msgBus, cfg.Gateway.OwnerChannel, cfg.Gateway.OwnerChatID)

	// The worker outlives ctx so the final drain still reaches storage.
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	wcfg := workerConfig(cfg)
	if owner != nil {
		wcfg.OnDrop = owner.BatchDropped
	}
	worker := toggle.NewWorker(toggles, st, wcfg)
	go worker.Run(workerCtx)
	defer func() {
		stopWorker()
		<-worker.Done()
	}()

	admin := features.NewAdmin(features.Default(), toggles)
	hs := handlers.New(msgBus, handlers.Options{
		Sigil:          cfg.Sigil(),
		GuozaoCooldown: cfg.Dispatch.GuozaoCooldown,
	})
	engine := dispatch.NewEngine(toggles, cfg.Dispatch.HandlerTimeout)

	hub := gateway.NewHub()
	sinks := audit.MultiSink{st, hub}
	mirrors, err := openMirrors(ctx, cfg)
	if err != nil {
		return err
	}
	for _, m := range mirrors {
		sinks = append(sinks, m.sink)
	}
	if owner != nil {
		sinks = append(sinks, owner)
	}
	defer func() {
		for _, m := range mirrors {
			if err := m.close(); err != nil {
				slog.Warn("Mirror close failed", "mirror", m.name, "error", err)
			}
		}
	}()
	recorder := audit.NewRecorder(sinks, cfg.Dispatch.AuditWriteTimeout)
	gw := gateway.New(msgBus, admin, hs.Selector(), engine, recorder)

	chans, webhook := buildChannels(cfg, msgBus)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		var onError func(context.Context, string, error)
		if owner != nil {
			onError = owner.JobFailed
		}
		pruners := []scheduler.IdlePruner{hs}
		if webhook != nil {
			pruners = append(pruners, webhook)
		}
		sched, err = buildScheduler(cfg, st, onError, pruners...)
		if err != nil {
			return err
		}
	}

	var webhookHandler http.Handler
	if webhook != nil {
		webhookHandler = webhook
	}
	server := gateway.NewServer(admin, hub, webhookHandler, cfg.Gateway.AuthToken)
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := msgBus.DispatchOutbound(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return gw.Run(gctx, msgBus) })
	g.Go(func() error { return server.Run(gctx, addr) })
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	started := make([]channels.Channel, 0, len(chans))
	for _, ch := range chans {
		if err := ch.Start(gctx); err != nil {
			slog.Error("Channel failed to start", "channel", ch.Name(), "error", err)
			continue
		}
		slog.Info("Channel started", "channel", ch.Name())
		started = append(started, ch)
	}
	slog.Info("Gateway ready", "addr", addr, "channels", len(started))

	err = g.Wait()
	for _, ch := range started {
		if err := ch.Stop(); err != nil {
			slog.Warn("Channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
	slog.Info("Gateway stopped", "pending_toggles", toggles.Pending())
	return err
}

func newToggleStore(cfg *config.Config) *toggle.Store {
	return toggle.NewStore(toggle.Options{
		Default:        cfg.Toggles.Default,
		QueueCapacity:  cfg.Toggles.QueueCapacity,
		EnqueueTimeout: cfg.Toggles.EnqueueTimeout,
		Shards:         cfg.Toggles.Shards,
	})
}

func workerConfig(cfg *config.Config) toggle.WorkerConfig {
	return toggle.WorkerConfig{
		MaxBatch:      cfg.Toggles.MaxBatch,
		MaxAttempts:   cfg.Toggles.MaxAttempts,
		BackoffBase:   cfg.Toggles.BackoffBase,
		BackoffCap:    cfg.Toggles.BackoffCap,
		WriteTimeout:  cfg.Toggles.WriteTimeout,
		ShutdownGrace: cfg.Toggles.ShutdownGrace,
	}
}

type mirrorSink struct {
	name  string
	sink  audit.Sink
	close func() error
}

// openMirrors connects the enabled audit mirrors. A mirror that cannot be
// reached closes the ones already opened.
func openMirrors(ctx context.Context, cfg *config.Config) ([]mirrorSink, error) {
	var out []mirrorSink
	fail := func(err error) ([]mirrorSink, error) {
		for _, m := range out {
			_ = m.close()
		}
		return nil, err
	}
	if cfg.Mirror.Kafka.Enabled {
		k, err := mirror.NewKafkaSink(cfg.Mirror.Kafka.Brokers, cfg.Mirror.Kafka.Topic)
		if err != nil {
			return fail(fmt.Errorf("kafka mirror: %w", err))
		}
		out = append(out, mirrorSink{name: "kafka", sink: k, close: k.Close})
	}
	if cfg.Mirror.AMQP.Enabled {
		a, err := mirror.NewAMQPSink(ctx, mirror.AMQPConfig{
			URL:      cfg.Mirror.AMQP.URL,
			Exchange: cfg.Mirror.AMQP.Exchange,
		})
		if err != nil {
			return fail(fmt.Errorf("amqp mirror: %w", err))
		}
		out = append(out, mirrorSink{name: "amqp", sink: a, close: a.Close})
	}
	return out, nil
}

// buildChannels creates the enabled transports. The webhook channel is also
// returned on its own because the admin server mounts it.
func buildChannels(cfg *config.Config, msgBus *bus.MessageBus) ([]channels.Channel, *channels.WebhookChannel) {
	sigil := cfg.Sigil()
	var out []channels.Channel
	if cfg.Channels.Slack.Enabled {
		out = append(out, channels.NewSlackChannel(cfg.Channels.Slack, msgBus, sigil))
	}
	if cfg.Channels.WhatsApp.Enabled {
		out = append(out, channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, msgBus, sigil))
	}
	if cfg.Channels.Kafka.Enabled {
		out = append(out, channels.NewKafkaChannel(cfg.Channels.Kafka, msgBus, sigil))
	}
	var webhook *channels.WebhookChannel
	if cfg.Channels.Webhook.Enabled {
		webhook = channels.NewWebhookChannel(msgBus, sigil)
		out = append(out, webhook)
	}
	return out, webhook
}

func buildScheduler(cfg *config.Config, st store.Store, onError func(context.Context, string, error), pruners ...scheduler.IdlePruner) (*scheduler.Scheduler, error) {
	sched := scheduler.New(scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		LockPath:      cfg.Scheduler.LockPath,
		OnError:       onError,
	}, st)
	if cfg.Scheduler.RetentionDays > 0 {
		cron, err := scheduler.ParseCron(cfg.Scheduler.RetentionCron)
		if err != nil {
			return nil, fmt.Errorf("scheduler.retentionCron: %w", err)
		}
		if err := sched.Register(scheduler.RetentionJob(st, cron, cfg.Scheduler.RetentionDays, nil)); err != nil {
			return nil, err
		}
	}
	if cfg.Scheduler.IdleStateTTL > 0 && len(pruners) > 0 {
		cron, err := scheduler.ParseCron(cfg.Scheduler.IdlePruneCron)
		if err != nil {
			return nil, fmt.Errorf("scheduler.idlePruneCron: %w", err)
		}
		if err := sched.Register(scheduler.IdlePruneJob(cron, cfg.Scheduler.IdleStateTTL, nil, pruners...)); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// describeGateway prints the wiring serveGateway would build from cfg.
func describeGateway(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Store:     %s\n", cfg.Store.Driver)
	fmt.Fprintf(w, "Admin API: http://%s\n", net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)))
	chans, _ := buildChannels(cfg, bus.NewMessageBus(1))
	for _, ch := range chans {
		fmt.Fprintf(w, "Channel:   %s\n", ch.Name())
	}
	if cfg.Mirror.Kafka.Enabled {
		fmt.Fprintf(w, "Mirror:    kafka %s\n", cfg.Mirror.Kafka.Topic)
	}
	if cfg.Mirror.AMQP.Enabled {
		fmt.Fprintf(w, "Mirror:    amqp %s\n", cfg.Mirror.AMQP.Exchange)
	}
	if cfg.Gateway.OwnerChatID != "" {
		fmt.Fprintf(w, "Owner:     %s %s\n", cfg.Gateway.OwnerChannel, cfg.Gateway.OwnerChatID)
	}
}
