package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/haasonsaas/chatwire/internal/events"
	"github.com/haasonsaas/chatwire/internal/observability"
	"github.com/haasonsaas/chatwire/internal/presence"
	"github.com/haasonsaas/chatwire/internal/retry"
	"github.com/haasonsaas/chatwire/internal/transport"
	"github.com/haasonsaas/chatwire/internal/typing"
	"github.com/haasonsaas/chatwire/pkg/models"
)

type connectOptions struct {
	configPath string
	origin     string
	endpoint   string
	userID     string
	userName   string
	channels   []string
}

// runConnect attaches an interactive client to a hub and pumps stdin
// lines into the first subscribed channel until EOF or a signal.
func runConnect(ctx context.Context, opts connectOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Keep stdout for chat output; logs go to stderr at warn and above.
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})

	endpoint := opts.endpoint
	if endpoint == "" {
		endpoint, err = transport.EndpointFromOrigin(opts.origin)
		if err != nil {
			return err
		}
	}
	if opts.userName == "" {
		opts.userName = opts.userID
	}
	if len(opts.channels) == 0 {
		return fmt.Errorf("at least one --channel is required")
	}
	target := opts.channels[0]

	bus := events.NewBus(logger)

	tracker := presence.NewTracker()
	tracker.Bind(bus)

	observers := typing.NewObservers(typing.ObserversConfig{
		TTL:    cfg.Typing.ObserverTTL.Std(),
		Logger: logger,
		OnChange: func(channelID string, who []typing.Observer) {
			if len(who) == 0 {
				return
			}
			names := make([]string, len(who))
			for i, o := range who {
				names[i] = o.UserName
			}
			fmt.Printf("-- %s: %s typing...\n", channelID, strings.Join(names, ", "))
		},
	})
	defer observers.Cleanup()
	observers.Bind(bus)

	bus.On(events.KindConnected, func(models.Frame) {
		fmt.Println("** connected")
	})
	bus.On(events.KindDisconnected, func(models.Frame) {
		fmt.Println("** disconnected")
	})
	bus.On(events.KindNewMessage, func(f models.Frame) {
		fmt.Printf("[%s] %s: %s\n", f.ChannelID, f.UserName, f.Content)
	})
	bus.On(events.KindPresenceUpdate, func(f models.Frame) {
		fmt.Printf("** %s is %s\n", f.UserID, f.Status)
	})
	bus.On(events.KindNotification, func(f models.Frame) {
		var n models.Notification
		if err := json.Unmarshal(f.Message, &n); err != nil {
			return
		}
		fmt.Printf("!! %s: %s\n", n.Title, n.Body)
	})

	client, err := transport.NewClient(transport.Config{
		Endpoint:              endpoint,
		Identity:              transport.Identity{UserID: opts.userID, UserName: opts.userName},
		Bus:                   bus,
		HeartbeatInterval:     cfg.Transport.HeartbeatInterval.Std(),
		ReconnectInitialDelay: cfg.Transport.ReconnectInitialDelay.Std(),
		ReconnectMaxDelay:     cfg.Transport.ReconnectMaxDelay.Std(),
		ReconnectJitter:       cfg.Transport.ReconnectJitter,
		ReconnectMaxAttempts:  cfg.Transport.ReconnectMaxAttempts,
		Logger:                logger,
	})
	if err != nil {
		return err
	}
	defer client.Disconnect()

	session := typing.NewSession(typing.SessionConfig{
		Send:          client.SendTyping,
		AutoStopAfter: cfg.Typing.AutoStopAfter.Std(),
		Logger:        logger,
	})
	defer session.Cleanup()

	for _, channel := range opts.channels {
		client.Subscribe(channel)
	}
	if err := client.Connect(ctx); err != nil {
		if !retry.IsRetryable(err) {
			return fmt.Errorf("connecting to %s: %w", endpoint, err)
		}
		// The transport has already armed its reconnect timer.
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Printf("** sending to #%s (ctrl-d to quit)\n", target)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			session.StartTyping(target)
			client.Send(models.Frame{
				Type:      models.FrameSendMessage,
				ChannelID: target,
				Content:   text,
			})
			session.StopTyping(target)
		}
	}
}
