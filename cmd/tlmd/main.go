// Command tlmd is the login manager daemon: it brings up, supervises,
// and tears down interactive user sessions bound to physical seats.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/hashicorp/go-hclog"

	"github.com/Xuanwo/tlm/internal/config"
	"github.com/Xuanwo/tlm/internal/eventloop"
	"github.com/Xuanwo/tlm/internal/reaper"
	"github.com/Xuanwo/tlm/internal/seat"
	"github.com/Xuanwo/tlm/internal/session"
)

func main() {
	logger := log.New(&log.LoggerOptions{
		Name:  "tlmd",
		Level: log.Info,
	})

	// Must be the very first thing checked: a re-exec'd session child
	// dispatches straight into RunChildInit and never reaches the rest
	// of main. See internal/session's package doc for why.
	if len(os.Args) > 1 && os.Args[1] == session.ReexecSentinel {
		session.RunChildInit(logger)
		return // unreachable; RunChildInit always exits or execs
	}

	if err := run(logger); err != nil {
		logger.Error("tlmd exiting with error", "error", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	store, err := config.Load(logger)
	if err != nil {
		return err
	}

	reap := reaper.New(logger)
	defer reap.Stop()

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	seats, err := bootstrapSeats(ctx, logger, store, reap, loop)
	if err != nil {
		return err
	}

	for _, s := range seats {
		if store.GetBool(s.GetID(), config.KeyAutoLogin, store.GetBool(config.General, config.KeyAutoLogin, true)) {
			if err := s.CreateSession(nil, nil, nil); err != nil {
				logger.Warn("startup auto-login failed", "seat", s.GetID(), "error", err)
			}
		}
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify READY failed", "error", err)
	} else if !sent {
		logger.Debug("sd_notify not supported in this environment (not run under systemd)")
	}

	err = loop.Run(ctx)
	if err == context.Canceled {
		err = nil
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// bootstrapSeats constructs a Seat for every configured "seat<N>"
// group, or a single "seat0" if none are configured, matching the
// single-seat default a desktop install would have.
func bootstrapSeats(ctx context.Context, logger log.Logger, store *config.Store, reap *reaper.Reaper, loop *eventloop.Loop) ([]*seat.Seat, error) {
	ids := store.SeatGroups()
	if len(ids) == 0 {
		ids = []string{"seat0"}
	}

	seats := make([]*seat.Seat, 0, len(ids))
	for _, id := range ids {
		s, err := seat.New(ctx, seat.Config{
			ID:     id,
			Path:   id,
			Store:  store,
			Reaper: reap,
			Loop:   loop,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	return seats, nil
}
