package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/config"
	"github.com/wfunc/partysync/deduction"
	"github.com/wfunc/partysync/guard"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/monitor"
	"github.com/wfunc/partysync/persistence"
	"github.com/wfunc/partysync/reconcile"
	"github.com/wfunc/partysync/room"
	"github.com/wfunc/partysync/services"
)

const help = `commands:
  start <survey|ranking|synchro>
  start deduction <majority topic> <minority topic> [reverse]
  claim <game> | prompt <game> <text> | answer <game> <value> | reveal <game> | next <game>
  ready | vote <participant id> | tally | guess <topic>
  end | cancel | state | who | sync | quit`

type options struct {
	configDir  string
	roomID     string
	nickname   string
	credential string
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "partysync-client",
		Short:         "Line driven partysync peer.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&opts.configDir, "config", "c", ".", "directory containing config.yaml")
	fs.StringVarP(&opts.roomID, "room", "r", "", "room to join")
	fs.StringVarP(&opts.nickname, "nickname", "n", "", "nickname to play as")
	fs.StringVar(&opts.credential, "credential", "", "identity credential; a new one is generated when empty")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("nickname")

	cobra.CheckErr(cmd.Execute())
}

func openChannel(ctx context.Context, cfg *config.Config, clientID string) (broadcast.Channel, error) {
	switch cfg.Broadcast.Driver {
	case "memory":
		return broadcast.NewMemoryHub().Connect(clientID), nil
	case "relay":
		ch, err := broadcast.DialRelay(ctx, cfg.Broadcast.RelayURL, clientID)
		if err != nil {
			return nil, fmt.Errorf("dial relay: %w", err)
		}
		ch.KeepAlive(cfg.Sync.HeartbeatInterval)
		return ch, nil
	default:
		ch, err := broadcast.NewPGNotifyChannel(ctx, cfg.Database.Postgres.DSN(), clientID)
		if err != nil {
			return nil, fmt.Errorf("listen: %w", err)
		}
		return ch, nil
	}
}

func run(ctx context.Context, opts *options) error {
	cfg, err := config.LoadConfig(opts.configDir)
	if err != nil {
		return err
	}
	logger.Init(cfg.Verbose)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.NewGormPostgreSQL(cfg.Database.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer store.Close()

	if opts.credential == "" {
		opts.credential = uuid.NewString()
	}
	ch, err := openChannel(ctx, cfg, uuid.NewString())
	if err != nil {
		return err
	}
	defer ch.Close()

	policy := guard.RetryPolicy{Attempts: cfg.Guard.RetryAttempts, Backoff: cfg.Guard.RetryBackoff}
	presence := services.NewParticipantService(store, broadcast.NewPublisher(ch, policy, nil), cfg.Sync.LivenessWindow)
	self, err := presence.Join(ctx, opts.roomID, opts.nickname, opts.credential)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	var snapshots reconcile.SnapshotStore = reconcile.NewMemorySnapshots(cfg.Sync.SnapshotTTL)
	if cfg.Sync.SnapshotDir != "" {
		if snapshots, err = reconcile.NewFileSnapshots(cfg.Sync.SnapshotDir, cfg.Sync.SnapshotTTL); err != nil {
			return err
		}
	}
	mon := monitor.NewMonitor("partysync_client")
	rooms := room.NewRoomManager(room.Deps{
		Store:     store,
		Channel:   ch,
		Guard:     cfg.Guard,
		Sync:      cfg.Sync,
		Monitor:   mon,
		Snapshots: snapshots,
	})
	defer rooms.CloseAll()

	r, err := rooms.Open(ctx, opts.roomID, *self)
	if err != nil {
		return err
	}
	fmt.Printf("joined %s as %s (%s), credential %s\n%s\n", r.ID, self.Nickname, self.ID, opts.credential, help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" {
				return nil
			}
			if err := execute(ctx, r, fields); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func execute(ctx context.Context, r *room.Room, fields []string) error {
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	switch fields[0] {
	case "start":
		game := models.GameType(arg(1))
		if game == models.GameDeduction {
			ids := make([]string, 0)
			for _, p := range r.Roster() {
				ids = append(ids, p.ID)
			}
			_, err := r.Deduction.Start(ctx, ids, deduction.TopicPair{Majority: arg(2), Minority: arg(3)}, arg(4) == "reverse")
			return err
		}
		_, err := r.Sessions.CreateSession(ctx, r.ID, game, r.Self.ID, services.CreateOptions{})
		if err == nil {
			_, err = r.Sync(ctx)
		}
		return err
	case "end", "cancel":
		session, err := r.Sessions.GetActiveSession(ctx, r.ID)
		if err != nil {
			return err
		}
		if session == nil {
			return fmt.Errorf("%w: no active session", models.ErrPrecondition)
		}
		if fields[0] == "end" {
			return r.Sessions.EndSession(ctx, session.ID)
		}
		return r.Sessions.CancelSession(ctx, session.ID)
	case "claim", "prompt", "answer", "reveal", "next":
		return roundCommand(ctx, r, models.GameType(arg(1)), fields[0], strings.Join(fields[min(2, len(fields)):], " "))
	case "ready":
		return r.Deduction.SignalReady(ctx)
	case "vote":
		return r.Deduction.CastVote(ctx, arg(1))
	case "tally":
		res, err := r.Deduction.Tally(ctx)
		if err != nil {
			return err
		}
		return show(res)
	case "guess":
		res, err := r.Deduction.SubmitGuess(ctx, strings.Join(fields[1:], " "))
		if err != nil {
			return err
		}
		return show(res)
	case "state":
		return show(map[string]interface{}{
			"survey":    r.Survey.Snapshot(),
			"ranking":   r.Ranking.Snapshot(),
			"synchro":   r.Synchro.Snapshot(),
			"deduction": r.Deduction.Snapshot(),
		})
	case "who":
		for _, p := range r.Roster() {
			fmt.Printf("%-20s %s\n", p.Nickname, p.ID)
		}
		return nil
	case "sync":
		view, err := r.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("synced at %s (stale=%v)\n", view.FetchedAt.Format("15:04:05"), view.Stale)
		return nil
	default:
		fmt.Println(help)
		return nil
	}
}

// gameEngine is the part of a round engine that does not depend on the answer type.
type gameEngine interface {
	ClaimInitiator(ctx context.Context) error
	NewRound(ctx context.Context) error
}

func roundCommand(ctx context.Context, r *room.Room, game models.GameType, verb, text string) error {
	var engine gameEngine
	switch game {
	case models.GameSurvey:
		engine = r.Survey
	case models.GameRanking:
		engine = r.Ranking
	case models.GameSynchro:
		engine = r.Synchro
	default:
		return fmt.Errorf("%w: unknown game %q", models.ErrPrecondition, game)
	}

	switch verb {
	case "claim":
		return engine.ClaimInitiator(ctx)
	case "next":
		return engine.NewRound(ctx)
	}

	switch game {
	case models.GameSurvey:
		switch verb {
		case "prompt":
			_, err := r.Survey.SubmitPrompt(ctx, text)
			return err
		case "answer":
			yes, err := strconv.ParseBool(text)
			if err != nil {
				return fmt.Errorf("%w: survey answers are true or false", models.ErrPrecondition)
			}
			return r.Survey.SubmitAnswer(ctx, yes)
		case "reveal":
			out, err := r.Survey.Reveal(ctx)
			if err != nil {
				return err
			}
			return show(out)
		}
	case models.GameRanking:
		switch verb {
		case "prompt":
			_, err := r.Ranking.SubmitPrompt(ctx, text)
			return err
		case "answer":
			rank, err := strconv.Atoi(text)
			if err != nil {
				return fmt.Errorf("%w: ranking answers are numbers", models.ErrPrecondition)
			}
			return r.Ranking.SubmitAnswer(ctx, rank)
		case "reveal":
			out, err := r.Ranking.Reveal(ctx)
			if err != nil {
				return err
			}
			return show(out)
		}
	case models.GameSynchro:
		switch verb {
		case "prompt":
			_, err := r.Synchro.SubmitPrompt(ctx, text)
			return err
		case "answer":
			return r.Synchro.SubmitAnswer(ctx, text)
		case "reveal":
			out, err := r.Synchro.Reveal(ctx)
			if err != nil {
				return err
			}
			return show(out)
		}
	}
	return nil
}

func show(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
