package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juanarayafonsec/magenta-sub000/internal/broker"
	"github.com/juanarayafonsec/magenta-sub000/internal/wallet"
)

// Inbound topics.
const (
	TopicDepositSettled      = "payments.deposit.settled"
	TopicWithdrawalRequested = "payments.withdrawal.requested"
	TopicWithdrawalSettled   = "payments.withdrawal.settled"
	TopicWithdrawalFailed    = "payments.withdrawal.failed"
	TopicBet                 = "game.bet"
	TopicWin                 = "game.win"
	TopicRollback            = "game.rollback"
)

// Outcomes reported to the Recorder.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeRetry     = "retry"
)

var errUnknownTopic = errors.New("unknown topic")

// Commands is the wallet surface the dispatcher drives.
type Commands interface {
	ApplyDepositSettlement(ctx context.Context, in wallet.DepositSettlement) (wallet.Result, error)
	ReserveWithdrawal(ctx context.Context, in wallet.WithdrawalReserve) (wallet.Result, error)
	FinalizeWithdrawal(ctx context.Context, in wallet.WithdrawalFinalize) (wallet.Result, error)
	ReleaseWithdrawal(ctx context.Context, in wallet.WithdrawalRelease) (wallet.Result, error)
	PlaceBet(ctx context.Context, in wallet.Bet) (wallet.Result, error)
	SettleWin(ctx context.Context, in wallet.Win) (wallet.Result, error)
	Rollback(ctx context.Context, in wallet.Rollback) (wallet.Result, error)
}

// Recorder observes dispatch outcomes per topic.
type Recorder interface {
	InboxHandled(topic, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) InboxHandled(string, string) {}

type route func(ctx context.Context, c Commands, payload []byte) (wallet.Result, error)

// Dispatcher is a broker.Handler that records each message before running the
// matching command.
type Dispatcher struct {
	store    Store
	commands Commands
	routes   map[string]route
	logger   *slog.Logger
	metrics  Recorder
	now      func() time.Time
}

// NewDispatcher wires the inbox to the wallet commands. metrics may be nil.
func NewDispatcher(store Store, commands Commands, logger *slog.Logger, metrics Recorder) *Dispatcher {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Dispatcher{
		store:    store,
		commands: commands,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		routes: map[string]route{
			TopicDepositSettled: decodeInto(func(ctx context.Context, c Commands, in wallet.DepositSettlement) (wallet.Result, error) {
				return c.ApplyDepositSettlement(ctx, in)
			}),
			TopicWithdrawalRequested: decodeInto(func(ctx context.Context, c Commands, in wallet.WithdrawalReserve) (wallet.Result, error) {
				return c.ReserveWithdrawal(ctx, in)
			}),
			TopicWithdrawalSettled: decodeInto(func(ctx context.Context, c Commands, in wallet.WithdrawalFinalize) (wallet.Result, error) {
				return c.FinalizeWithdrawal(ctx, in)
			}),
			TopicWithdrawalFailed: decodeInto(func(ctx context.Context, c Commands, in wallet.WithdrawalRelease) (wallet.Result, error) {
				return c.ReleaseWithdrawal(ctx, in)
			}),
			TopicBet: decodeInto(func(ctx context.Context, c Commands, in wallet.Bet) (wallet.Result, error) {
				return c.PlaceBet(ctx, in)
			}),
			TopicWin: decodeInto(func(ctx context.Context, c Commands, in wallet.Win) (wallet.Result, error) {
				return c.SettleWin(ctx, in)
			}),
			TopicRollback: decodeInto(func(ctx context.Context, c Commands, in wallet.Rollback) (wallet.Result, error) {
				return c.Rollback(ctx, in)
			}),
		},
	}
}

func decodeInto[T any](call func(context.Context, Commands, T) (wallet.Result, error)) route {
	return func(ctx context.Context, c Commands, payload []byte) (wallet.Result, error) {
		var in T
		if err := json.Unmarshal(payload, &in); err != nil {
			return wallet.Result{}, fmt.Errorf("%w: decode payload: %v", wallet.ErrValidation, err)
		}
		return call(ctx, c, in)
	}
}

// Topics lists every topic the dispatcher routes.
func (d *Dispatcher) Topics() []string {
	return []string{
		TopicDepositSettled,
		TopicWithdrawalRequested,
		TopicWithdrawalSettled,
		TopicWithdrawalFailed,
		TopicBet,
		TopicWin,
		TopicRollback,
	}
}

// Handle implements broker.Handler. It returns an error only for failures
// worth redelivering; rejected events are marked FAILED and acknowledged.
func (d *Dispatcher) Handle(ctx context.Context, msg broker.Message) error {
	id := eventID(msg)
	status, err := d.store.Record(ctx, Event{
		ID:         id,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		ReceivedAt: d.now(),
	})
	if err != nil {
		d.metrics.InboxHandled(msg.Topic, OutcomeRetry)
		return fmt.Errorf("record inbox event %s: %w", id, err)
	}
	if status.Done() {
		d.metrics.InboxHandled(msg.Topic, OutcomeDuplicate)
		d.logger.Debug("inbox event already handled", slog.String("event_id", id), slog.String("status", string(status)))
		return nil
	}

	res, err := d.dispatch(ctx, msg)
	if err != nil {
		if wallet.IsRetryable(err) {
			d.metrics.InboxHandled(msg.Topic, OutcomeRetry)
			return fmt.Errorf("dispatch %s: %w", id, err)
		}
		d.metrics.InboxHandled(msg.Topic, OutcomeRejected)
		d.logger.Warn("inbox event rejected",
			slog.String("event_id", id),
			slog.String("topic", msg.Topic),
			slog.Any("error", err),
		)
		if err := d.store.MarkFailed(ctx, id, err.Error(), d.now()); err != nil {
			return fmt.Errorf("mark inbox event failed: %w", err)
		}
		return nil
	}

	if err := d.store.MarkProcessed(ctx, id, d.now()); err != nil {
		return fmt.Errorf("mark inbox event processed: %w", err)
	}
	d.metrics.InboxHandled(msg.Topic, OutcomeProcessed)
	d.logger.Info("inbox event processed",
		slog.String("event_id", id),
		slog.String("topic", msg.Topic),
		slog.String("tx_id", res.TransactionID.String()),
		slog.Bool("replayed", res.Replayed),
	)
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, msg broker.Message) (wallet.Result, error) {
	r, ok := d.routes[msg.Topic]
	if !ok {
		return wallet.Result{}, fmt.Errorf("%w: %w %q", wallet.ErrValidation, errUnknownTopic, msg.Topic)
	}
	return r(ctx, d.commands, msg.Payload)
}

// eventID prefers the producer's eventId and falls back to the transport
// position, which is stable across redeliveries of the same entry.
func eventID(msg broker.Message) string {
	var envelope struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(msg.Payload, &envelope); err == nil && envelope.EventID != "" {
		return envelope.EventID
	}
	return msg.Topic + "/" + msg.ID
}
