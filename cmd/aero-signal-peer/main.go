package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/peer"
)

type options struct {
	url            string
	logLevel       string
	iceServersJSON string
	dialTimeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "aero-signal-peer",
		Short: "chat with other peers over WebRTC data channels",
		Long: `aero-signal-peer joins an aero-webrtc-signal-relay, negotiates a WebRTC
data channel with every other participant, prints what they say and sends
each line read from stdin to all connected peers.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:3000/", "signaling relay WebSocket URL")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opts.iceServersJSON, "ice-servers-json", "", "ICE servers as JSON (RTCIceServer[]); defaults to public STUN")
	flags.DurationVar(&opts.dialTimeout, "dial-timeout", 10*time.Second, "timeout for joining the relay")
	return cmd
}

func run(ctx context.Context, opts options, stdin io.Reader, stdout, stderr io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", opts.logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	iceServers := config.DefaultICEServers()
	if strings.TrimSpace(opts.iceServersJSON) != "" {
		servers, err := config.ParseICEServersJSON(opts.iceServersJSON)
		if err != nil {
			return fmt.Errorf("invalid --ice-servers-json: %w", err)
		}
		iceServers = servers
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, opts.dialTimeout)
	defer cancel()

	out := &lineWriter{w: stdout}
	ep, err := peer.Dial(dialCtx, peer.Config{
		SignalURL:  opts.url,
		ICEServers: iceServers,
		Logger:     logger,
		Events: peer.Events{
			PeerJoined:  func(id string) { out.printf("* %s joined\n", id) },
			PeerLeft:    func(id string) { out.printf("* %s left\n", id) },
			ChannelOpen: func(id string) { out.printf("* chat open with %s\n", id) },
			Message: func(from string, msg peer.ChatMessage) {
				out.printf("[%s] %s: %s\n", msg.Timestamp, from, msg.Text)
			},
		},
	})
	if err != nil {
		return err
	}
	defer ep.Close()
	out.printf("* joined as %s\n", ep.ID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return ep.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// EOF on stdin ends the session.
					stop()
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if n := ep.Broadcast(line); n == 0 {
					out.printf("* no peers connected\n")
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// lineWriter serializes output from pion and signaling callbacks.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.w, format, args...)
}
