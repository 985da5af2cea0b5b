// Package negotiate drives the virtio device-status state machine every
// driver in this module runs: RESET, ACKNOWLEDGE, DRIVER, feature
// negotiation, FEATURES_OK via Run, then the caller's own queue
// initialization, then DRIVER_OK via Finish, with FAILED as the terminal
// sink for any error along the way.
package negotiate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ifnfn/libvirtio/byteorder"
	"github.com/ifnfn/libvirtio/transport"
	"github.com/ifnfn/libvirtio/vio"
)

// Outcome carries the state a device driver needs after negotiation
// settles: which features stuck, and the byte-order adapter selected for
// the remainder of the device's lifetime. status is the bitmask Run left
// latched (everything up to and including FEATURES_OK); Finish ORs in
// DRIVER_OK on top of it once the caller's queues are up.
type Outcome struct {
	Features uint64
	Modern   bool
	Order    byteorder.Adapter
	status   uint32
}

// Run executes RESET -> ACKNOWLEDGE -> DRIVER -> feature negotiation ->
// FEATURES_OK against t, offering the caller's supported feature set.
// VIRTIO_F_VERSION_1 is always included in offered automatically; callers
// pass only their device-specific feature bits. Run stops short of
// DRIVER_OK: the caller must bring up every virtqueue the device needs
// against the returned Outcome and then call Finish, since QUEUES_READY
// sits strictly between FEATURES_OK and DRIVER_OK in the device-status
// FSM. On any error the device is left in FAILED and the error is
// returned; callers must not proceed to queue initialization.
func Run(ctx context.Context, t transport.Transport, log *slog.Logger, offered uint64) (Outcome, error) {
	if log == nil {
		log = slog.Default()
	}
	offered |= vio.FeatureBit(vio.FeatureVersion1)

	var status uint32
	fail := func(cause error) (Outcome, error) {
		log.Error("virtio negotiation failed", "err", cause)
		_ = t.SetStatus(ctx, status|vio.StatusFailed)
		return Outcome{}, cause
	}

	if err := t.Reset(ctx); err != nil {
		return fail(fmt.Errorf("%w: reset: %v", vio.ErrNegotiationFailed, err))
	}

	status = vio.StatusAcknowledge
	if err := t.SetStatus(ctx, status); err != nil {
		return fail(fmt.Errorf("%w: acknowledge: %v", vio.ErrNegotiationFailed, err))
	}

	status |= vio.StatusDriver
	if err := t.SetStatus(ctx, status); err != nil {
		return fail(fmt.Errorf("%w: driver: %v", vio.ErrNegotiationFailed, err))
	}

	result, err := t.Negotiate(ctx, offered)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", vio.ErrNegotiationFailed, err))
	}

	if result.Modern {
		status |= vio.StatusFeaturesOK
		if err := t.SetStatus(ctx, status); err != nil {
			return fail(fmt.Errorf("%w: features_ok: %v", vio.ErrNegotiationFailed, err))
		}
	}

	return Outcome{
		Features: result.Accepted,
		Modern:   result.Modern,
		Order:    byteorder.Select(result.Modern),
		status:   status,
	}, nil
}

// Finish latches DRIVER_OK, completing the FSM Run started. Callers must
// call it only after every virtqueue the device needs is initialized and
// marked ready. On error the device is left in FAILED.
func Finish(ctx context.Context, t transport.Transport, log *slog.Logger, outcome Outcome) error {
	if log == nil {
		log = slog.Default()
	}
	status := outcome.status | vio.StatusDriverOK
	if err := t.SetStatus(ctx, status); err != nil {
		log.Error("virtio negotiation failed", "err", err)
		_ = t.SetStatus(ctx, outcome.status|vio.StatusFailed)
		return fmt.Errorf("%w: driver_ok: %v", vio.ErrNegotiationFailed, err)
	}
	return nil
}
