package seat

import (
	"context"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/drivers/shared/eventer"
	"github.com/hashicorp/nomad/plugins/drivers"
)

// prepareUserBus carries the one-way prepare-user(username) signal from
// §4.5/§6. It is genuinely fire-and-forget — nothing downstream needs
// to veto it — so the teacher's own eventer.Eventer (built for exactly
// this "multiplex broadcast of TaskEvents to however many subscribers
// happen to be watching" shape, see
// _examples/Xuanwo-nomad-driver-systemd-nspawn/systemd/driver.go) is a
// direct fit, repurposed from task lifecycle events to seat lifecycle
// events.
//
// session-terminated's aggregate boolean veto is a different shape —
// eventer has no notion of a subscriber talking back — so that one is
// a plain callback list below instead (see seat.go's observers field).
type prepareUserBus struct {
	ev *eventer.Eventer
}

func newPrepareUserBus(ctx context.Context, logger log.Logger) *prepareUserBus {
	return &prepareUserBus{ev: eventer.NewEventer(ctx, logger)}
}

func (b *prepareUserBus) emit(seatID, username string) {
	b.ev.EmitEvent(&drivers.TaskEvent{
		TaskID:    seatID,
		Timestamp: time.Now(),
		Message:   "prepare-user",
		Annotations: map[string]string{
			"username": username,
		},
	})
}

// Events exposes the prepare-user stream to whatever wants to observe
// it (tests, a future CLI front-end, logging).
func (b *prepareUserBus) Events(ctx context.Context) (<-chan *drivers.TaskEvent, error) {
	return b.ev.TaskEvents(ctx)
}
