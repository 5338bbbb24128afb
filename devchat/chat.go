package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/knu-devchat/devchat-frontend/channel"
	"github.com/knu-devchat/devchat-frontend/chatsync"
	"github.com/knu-devchat/devchat-frontend/directory"
	"github.com/knu-devchat/devchat-frontend/history"
)

var chatCmd = &cobra.Command{
	Use:   "chat <room>",
	Short: "Open a room and chat interactively",
	Args:  cobra.ExactArgs(1),
	RunE:  runChat,
}

var aiCmd = &cobra.Command{
	Use:   "ai <room>",
	Short: "Chat with the assistant in the context of a room",
	Args:  cobra.ExactArgs(1),
	RunE:  runAI,
}

var (
	flagReconnect string
	flagAISession string
)

func init() {
	for _, c := range []*cobra.Command{chatCmd, aiCmd} {
		c.Flags().StringVar(&flagReconnect, "reconnect", "off", "reconnect after an unclean close: off, once, backoff")
	}
	aiCmd.Flags().StringVar(&flagAISession, "resume", "", "existing AI session id to resume instead of starting one")
	rootCmd.AddCommand(chatCmd, aiCmd)
}

func reconnectPolicy(name string) (channel.ReconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "off":
		return channel.Off(), nil
	case "once":
		return channel.SingleRetry(2 * time.Second), nil
	case "backoff":
		return channel.Backoff(time.Second, 30*time.Second, 8), nil
	default:
		return channel.ReconnectPolicy{}, fmt.Errorf("unknown reconnect policy %q", name)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()
	policy, err := reconnectPolicy(flagReconnect)
	if err != nil {
		return err
	}
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	room, err := env.dir.SelectRoom(ctx, args[0])
	if err != nil {
		return fmt.Errorf("select room: %w", err)
	}
	coord := chatsync.New(chatsync.Config{
		Kind:      chatsync.KindChat,
		WSURL:     env.wsURL,
		Session:   flagSession,
		Reconnect: policy,
		History:   env.history,
		Cache:     env.cache,
		Logger:    &log.Logger,
	})
	defer coord.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "== %s (%d명) ==  /code, /quit\n", room.RoomName, room.ParticipantCount)
	return interact(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), coord, room.RoomID, func(line string) bool {
		if line != "/code" {
			return false
		}
		code, err := env.dir.AccessCode(ctx, room.RoomID)
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "  -- 코드 발급 실패:", err)
			return true
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  -- 입장 코드 %s (%d초)\n", code.TOTP, code.Interval)
		return true
	})
}

func runAI(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()
	policy, err := reconnectPolicy(flagReconnect)
	if err != nil {
		return err
	}
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID := flagAISession
	if sessionID == "" {
		var sess directory.AISession
		if sess, err = env.dir.StartAISession(ctx, args[0]); err != nil {
			return fmt.Errorf("start ai session: %w", err)
		}
		sessionID = string(sess.ID)
	}

	coord := chatsync.New(chatsync.Config{
		Kind:      chatsync.KindAI,
		WSURL:     env.wsURL,
		Session:   flagSession,
		Reconnect: policy,
		History:   history.New(env.api, history.WithLogger(log.Logger), history.WithPath(history.AISessionPath)),
		Logger:    &log.Logger,
	})
	defer coord.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "== AI 세션 %s ==  /quit\n", sessionID)
	return interact(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), coord, sessionID, nil)
}

// interact selects scope, prints updates as they arrive and sends each input
// line until EOF, /quit or ctx ends. local handles client-side commands and
// reports whether it consumed the line.
func interact(ctx context.Context, in io.Reader, out io.Writer, coord *chatsync.Coordinator, scope string, local func(string) bool) error {
	if err := coord.Select(ctx, scope); err != nil {
		return fmt.Errorf("select %s: %w", scope, err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	pr := newPrinter(nil)
	state := coord.State()
	thinking := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-coord.Updates():
			switch u.Kind {
			case chatsync.UpdateScope:
				pr.reset()
			case chatsync.UpdateMessages:
				for _, l := range pr.fresh(coord.Messages()) {
					fmt.Fprintln(out, l)
				}
			case chatsync.UpdateState:
				if st := coord.State(); st != state {
					state = st
					log.Debug().Str("state", string(st)).Msg("[devchat] connection state")
				}
			case chatsync.UpdateThinking:
				if t := coord.Thinking(); t && !thinking {
					fmt.Fprintln(out, "  -- AI가 답변을 작성 중입니다...")
				}
				thinking = coord.Thinking()
			}
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			line = strings.TrimRight(line, "\r")
			if local != nil && local(strings.TrimSpace(line)) {
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !coord.Send(line) {
				fmt.Fprintln(out, "  -- 전송할 수 없습니다 (상태: "+string(coord.State())+")")
			}
		}
	}
}
