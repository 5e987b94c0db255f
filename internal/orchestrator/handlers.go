package orchestrator

import (
	"context"
	"fmt"

	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/protocol"
	"example.com/workoutsync/internal/session"
)

func (o *Orchestrator) register() {
	o.router.Handle(protocol.ActionStartWorkout, o.handleStart)
	o.router.Handle(protocol.ActionPauseWorkout, func(context.Context, protocol.Message) (map[string]any, error) {
		if err := o.Pause(); err != nil {
			return nil, err
		}
		return o.statePayload(), nil
	})
	o.router.Handle(protocol.ActionResumeWorkout, func(context.Context, protocol.Message) (map[string]any, error) {
		if err := o.Resume(); err != nil {
			return nil, err
		}
		return o.statePayload(), nil
	})
	o.router.Handle(protocol.ActionEndWorkout, o.handleEnd)
	o.router.Handle(protocol.ActionCancelWorkout, func(context.Context, protocol.Message) (map[string]any, error) {
		o.Cancel()
		return o.statePayload(), nil
	})
	o.router.Handle(protocol.ActionGetMetrics, func(context.Context, protocol.Message) (map[string]any, error) {
		return metricsPayload(o.session.Snapshot(), o.clock()), nil
	})
	if o.tokens != nil {
		o.router.Handle(protocol.ActionRequestToken, o.handleTokenRequest)
	}

	o.router.OnNotification(protocol.ActionWorkoutStarted, func(_ context.Context, msg protocol.Message) {
		o.observePeer(PeerBelief{
			Running:      true,
			ActivityType: msg.Field(keyActivityType),
			Since:        parseTime(msg.Field(keyStartedAt)),
		}, parseTime(msg.Field(keyAt)))
	})
	o.router.OnNotification(protocol.ActionWorkoutEnded, func(_ context.Context, msg protocol.Message) {
		o.observePeer(PeerBelief{}, parseTime(msg.Field(keyAt)))
	})
}

func (o *Orchestrator) handleStart(ctx context.Context, msg protocol.Message) (map[string]any, error) {
	cfg := session.Config{
		ActivityType: msg.Field(keyActivityType),
		LocationHint: msg.Field(keyLocationHint),
	}
	if err := o.Start(ctx, cfg); err != nil {
		return nil, err
	}
	payload := o.statePayload()
	if snap := o.session.Snapshot(); !snap.StartedAt.IsZero() {
		payload[keyStartedAt] = formatTime(snap.StartedAt)
	}
	return payload, nil
}

func (o *Orchestrator) handleEnd(ctx context.Context, _ protocol.Message) (map[string]any, error) {
	out, err := o.EndWorkout(ctx)
	if out.Activity.ID == "" {
		return nil, err
	}
	if err != nil {
		o.logger.Printf("remote end of %s: %v", out.Activity.ID, err)
	}
	return map[string]any{
		keyState:      o.session.State().String(),
		keyActivityID: out.Activity.ID,
		keyDuration:   float64(out.Activity.DurationSeconds),
		keyQueued:     out.Queued,
	}, nil
}

func (o *Orchestrator) handleTokenRequest(ctx context.Context, _ protocol.Message) (map[string]any, error) {
	if o.cfg.Role != RolePrimary {
		return nil, fmt.Errorf("%s: %w", protocol.ActionRequestToken, domain.ErrUnknownAction)
	}
	cred, err := o.tokens.Issue(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue wearable credential: %w", err)
	}
	return map[string]any{
		keyToken:     cred.Token,
		keyExpiresAt: formatTime(cred.ExpiresAt),
	}, nil
}

func (o *Orchestrator) statePayload() map[string]any {
	return map[string]any{keyState: o.session.State().String()}
}
