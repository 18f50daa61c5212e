package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"signaller/internal/config"
	"signaller/internal/peer"
	"signaller/pkg/handle"
	"signaller/pkg/signaller"
	"signaller/pkg/webrtc/ice"
)

// connectTimeout bounds how long the peer-to-peer connection may take once the relay has
// gone away. The other side closes its signaller as soon as its own channel opens.
const connectTimeout = 30 * time.Second

func main() {
	config.LoadEnv()
	if err := newRootCommand(os.Stdin, os.Stdout).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type options struct {
	config.Client
	loopback bool
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	opts := options{Client: config.ClientFromEnv()}

	root := &cobra.Command{
		Use:          "signaller",
		Short:        "Open a peer-to-peer data channel with another signaller through a relay",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.SetupLogging(opts.LogLevel, opts.LogFormat)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.Server, "server", opts.Server, "relay address (SIGNALLER_SERVER)")
	pf.StringVar(&opts.Handle, "handle", opts.Handle, "session handle shared with the other peer (SIGNALLER_HANDLE)")
	pf.BoolVar(&opts.loopback, "loopback", false, "gather loopback ICE candidates, for two peers on one host")
	pf.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (LOG_LEVEL)")
	pf.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "log format: text or json (LOG_FORMAT)")

	root.AddCommand(
		&cobra.Command{
			Use:   "listen",
			Short: "Wait for a peer to connect on the handle (a random one if none is given)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), signaller.RoleListen, opts, in, out)
			},
		},
		&cobra.Command{
			Use:   "connect",
			Short: "Connect to a peer listening on the handle",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), signaller.RoleConnect, opts, in, out)
			},
		},
	)
	return root
}

func resolveHandle(role signaller.Role, h string) (string, error) {
	if h == "" {
		if role == signaller.RoleConnect {
			return "", errors.New("connect needs --handle")
		}
		return handle.Generate(), nil
	}
	if !handle.Valid(h) {
		return "", fmt.Errorf("invalid handle %q: must match %s", h, handle.Pattern)
	}
	return h, nil
}

func run(ctx context.Context, role signaller.Role, opts options, in io.Reader, out io.Writer) error {
	h, err := resolveHandle(role, opts.Handle)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, iceServers := ice.LoadFromEnv()
	p, err := peer.New(peer.Options{
		ICEServers:      iceServers,
		Initiator:       role == signaller.RoleConnect,
		IncludeLoopback: opts.loopback,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	si := signaller.New(opts.Server, h, signaller.Options{})
	logger := log.WithFields(log.Fields{"handle": h, "role": role})

	connected := make(chan struct{})
	var connectedOnce sync.Once
	signallerClosed := make(chan struct{})
	peerClosed := make(chan struct{})

	si.OnSignal(func(payload string) {
		logger.Debug("signaller received signal")
		if err := p.HandleSignal(payload); err != nil {
			logger.Warnf("bad signal from peer: %v", err)
		}
	})
	si.OnClose(func(code int, reason string) {
		logger.Infof("signaller closed with code %d (%s)", code, reason)
		close(signallerClosed)
	})

	p.OnSignal(func(payload string) {
		if err := si.Signal(payload); err != nil {
			// The relay connection is gone; nothing else can reach the peer.
			logger.Warnf("signaller send: %v", err)
		}
	})
	p.OnOpen(func() {
		logger.Info("peer-to-peer connection established")
		_ = si.Close()
		connectedOnce.Do(func() { close(connected) })
	})
	p.OnMessage(func(msg string) {
		fmt.Fprintf(out, "> %s\n", msg)
	})
	p.OnClose(func() {
		close(peerClosed)
	})

	if role == signaller.RoleListen {
		if err := si.Listen(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "listening on %s\n", h)
	} else if err := si.Connect(ctx); err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}

	select {
	case <-connected:
	case <-signallerClosed:
		select {
		case <-connected:
		case <-peerClosed:
			return errors.New("peer closed before the connection was established")
		case <-time.After(connectTimeout):
			return errors.New("signaller closed before the peer-to-peer connection was established")
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		_ = si.Close()
		return ctx.Err()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := p.Send(line); err != nil {
				return err
			}
			fmt.Fprintf(out, "< %s\n", line)
		case <-peerClosed:
			fmt.Fprintln(out, "peer closed")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
