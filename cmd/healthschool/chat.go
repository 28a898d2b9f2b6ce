package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	healthschool "github.com/Health-School/health-school-sub001"
)

var (
	chatPeer        string
	chatName        string
	chatWithHistory bool
)

func init() {
	chatJoinCmd.Flags().StringVar(&chatPeer, "peer", "", "name of the other participant (receiverName)")
	chatJoinCmd.Flags().StringVar(&chatName, "name", "", "your display name (defaults to auth.user_name)")
	chatJoinCmd.Flags().BoolVar(&chatWithHistory, "history", true, "load stored messages after joining")
	chatCmd.AddCommand(chatJoinCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat room commands",
}

var chatJoinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a chat room and send stdin lines as messages",
	Long:  "Join a chat room. Each line read from stdin is published; type /leave or close stdin to leave the room.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(logLevel)
		client, err := getClient(cfg, logger)
		if err != nil {
			return err
		}
		rc, err := realtimeConfig(cfg, logger, nil)
		if err != nil {
			return err
		}
		name := valueOrDefault(chatName, cfg.Auth.UserName)
		if name == "" {
			return errors.New("no user name. Pass --name or set auth.user_name")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		session := client.Realtime.Chat(rc)
		session.OnMessage(func(e healthschool.ChatEntry) { printEntry(out, e) })
		lost := watchDisconnect(session)

		user := healthschool.ChatUser{Name: name, PeerName: chatPeer}
		if err := session.Start(ctx, args[0], user); err != nil {
			return fmt.Errorf("join room %s: %w", args[0], err)
		}
		fmt.Fprintf(out, "Joined room %s as %s. Type /leave to exit.\n", args[0], name)

		if chatWithHistory {
			n, err := session.LoadHistory(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("could not load history")
			}
			// Backfilled entries sit ahead of anything already printed live.
			for _, e := range session.Transcript().Snapshot()[:n] {
				printEntry(out, e)
			}
		}

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)
		relayLines(ctx, session, lines, lost, out)

		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.Leave(leaveCtx); err != nil {
			logger.Debug().Err(err).Msg("leave finished with errors")
		}
		fmt.Fprintf(out, "Left room %s\n", args[0])
		return nil
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print the stored messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg, newLogger(logLevel))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		msgs, err := client.Chats.Messages(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "%s: %s\n", m.WriterName, m.Message)
		}
		return nil
	},
}

type stateNotifier interface {
	OnStateChange(func(healthschool.StateChange))
}

// watchDisconnect returns a channel closed the first time n reports the
// disconnected state.
func watchDisconnect(n stateNotifier) <-chan struct{} {
	lost := make(chan struct{})
	var once sync.Once
	n.OnStateChange(func(ch healthschool.StateChange) {
		if ch.To == healthschool.StateDisconnected {
			once.Do(func() { close(lost) })
		}
	})
	return lost
}

type publisher interface {
	Publish(ctx context.Context, message string) error
}

// relayLines publishes each input line until the input ends, /leave is typed,
// ctx is done or the connection drops.
func relayLines(ctx context.Context, p publisher, lines <-chan string, lost <-chan struct{}, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
			fmt.Fprintln(out, "Connection lost.")
			return
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/leave" {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := p.Publish(ctx, line); err != nil {
				fmt.Fprintf(out, "! not sent: %v\n", err)
			}
		}
	}
}

func printEntry(out io.Writer, e healthschool.ChatEntry) {
	switch e.Kind {
	case healthschool.KindSystemJoin, healthschool.KindSystemLeave:
		fmt.Fprintf(out, "* %s\n", valueOrDefault(e.Payload.Message, e.Payload.WriterName+" "+string(e.Kind)))
	default:
		fmt.Fprintf(out, "%s: %s\n", e.Payload.WriterName, e.Payload.Message)
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}
