package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/notification-hub/pkg/client"
	"github.com/jwalitptl/notification-hub/pkg/client/offline"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

const usage = `usage: notify-client <command>

commands:
  watch             stay connected and print notifications as they arrive (default)
  sync              replay queued actions and list unread notifications
  read <id>         mark a delivery record as read, queueing it when offline
  confirm <id>      confirm a delivery record, queueing it when offline
  queue             list actions waiting for the server

configuration is read from NOTIFY_CLIENT_* environment variables.
`

func main() {
	cfg, err := client.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.LogLevel),
		TimeFormat: time.RFC3339,
		Output:     os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := offline.OpenSQLite(ctx, cfg.StorePath)
	if err != nil {
		appLogger.Fatal(err, "Failed to open local store")
	}
	defer store.Close()

	session, err := client.NewSession(cfg, store, appLogger)
	if err != nil {
		appLogger.Fatal(err, "Failed to create session")
	}

	args := os.Args[1:]
	cmd := "watch"
	if len(args) > 0 {
		cmd = args[0]
	}

	if err := execute(ctx, session, cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, s *client.Session, cmd string, args []string) error {
	switch cmd {
	case "watch":
		s.OnNotification = printItem
		s.OnDropped = func(d offline.DroppedAction) {
			fmt.Printf("gave up on %s %s: %v\n", d.Action.Operation, d.Action.ID, d.Reason)
		}
		s.OnQuality = func(q offline.Quality) {
			fmt.Printf("connection: %s\n", q)
		}
		return s.Run(ctx)

	case "sync":
		if err := s.Sync(ctx); err != nil {
			return err
		}
		for _, it := range s.Items() {
			if it.ReadAt == nil {
				printItem(it)
			}
		}
		fmt.Printf("%d unread\n", s.Unread())
		return nil

	case "read", "confirm":
		if len(args) < 2 {
			return fmt.Errorf("%s needs a delivery record id", cmd)
		}
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid delivery record id: %w", err)
		}
		// a failed sync just means we are offline and the action gets queued
		_ = s.Sync(ctx)
		if cmd == "read" {
			err = s.MarkRead(ctx, id)
		} else {
			err = s.Confirm(ctx, id)
		}
		if err != nil {
			return err
		}
		if s.Quality() == offline.Offline {
			fmt.Println("offline: queued for later")
		}
		return nil

	case "queue":
		actions, err := s.Pending(ctx)
		if err != nil {
			return err
		}
		for _, a := range actions {
			fmt.Printf("%d\t%s\t%s\tretries=%d\t%s\n", a.Seq, a.Operation, a.QueuedAt.Format(time.RFC3339), a.RetryCount, a.LastError)
		}
		return nil
	}

	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

func printItem(it offline.Item) {
	if it.Notification == nil {
		return
	}
	n := it.Notification
	fmt.Printf("[%s] %s %s: %s (%s)\n", n.Priority, n.CreatedAt.Local().Format("Jan 2 15:04"), n.Title, n.Message, it.DeliveryRecordID)
}
