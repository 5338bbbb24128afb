package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/knu-devchat/devchat-frontend/summary"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List joined rooms with their latest message",
	Args:  cobra.NoArgs,
	RunE:  runRooms,
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a room",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCreate,
}

var joinCmd = &cobra.Command{
	Use:   "join <code>",
	Short: "Join a room with a 6-digit access code",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

var leaveCmd = &cobra.Command{
	Use:   "leave <room>",
	Short: "Leave a room",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeave,
}

var codeCmd = &cobra.Command{
	Use:   "code <room>",
	Short: "Issue an access code for a room",
	Args:  cobra.ExactArgs(1),
	RunE:  runCode,
}

var sendCmd = &cobra.Command{
	Use:   "send <room> <text>",
	Short: "Send one message over REST",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var flagPreloadConcurrency int

func init() {
	roomsCmd.Flags().IntVar(&flagPreloadConcurrency, "concurrency", summary.DefaultConcurrency, "parallel history loads for previews")
	rootCmd.AddCommand(roomsCmd, createCmd, joinCmd, leaveCmd, codeCmd, sendCmd)
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRooms(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	rooms, err := env.dir.ListMyRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "참여 중인 채팅방이 없습니다.")
		return nil
	}

	proj := summary.New(env.history, summary.WithConcurrency(flagPreloadConcurrency), summary.WithLogger(log.Logger))
	proj.SetRooms(rooms)
	if tails, err := env.cache.Tails(); err != nil {
		log.Warn().Err(err).Msg("[devchat] read cached previews")
	} else {
		proj.Seed(tails)
	}
	if err := proj.Preload(ctx, rooms); err != nil {
		log.Warn().Err(err).Msg("[devchat] some previews failed to load")
	}

	counts := make(map[string]int, len(rooms))
	for _, r := range rooms {
		counts[r.RoomID] = r.ParticipantCount
	}
	now := time.Now()
	for _, s := range proj.Snapshot() {
		fmt.Fprintln(cmd.OutOrStdout(), renderRoom(s, counts[s.RoomID], now))
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	room, err := env.dir.CreateRoom(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", room.RoomName, room.RoomID)
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	room, err := env.dir.JoinRoomByCode(ctx, args[0])
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%s), %d participants\n", room.RoomName, room.RoomID, room.ParticipantCount)
	return nil
}

func runLeave(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.dir.LeaveRoom(ctx, args[0]); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	if err := env.cache.Forget(args[0]); err != nil {
		log.Warn().Err(err).Msg("[devchat] drop cached room")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "left", args[0])
	return nil
}

func runCode(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	code, err := env.dir.AccessCode(ctx, args[0])
	if err != nil {
		return fmt.Errorf("access code: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  (%s, valid %ds)\n", code.TOTP, code.RoomName, code.Interval)
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()
	env, err := newClientEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	sent, err := env.dir.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "sent", sent.ID)
	return nil
}
