package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
)

// Service exposes the wallet commands backed by the ledger.
type Service struct {
	deps Deps
}

// NewService builds a wallet service instance.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopRecorder{}
	}
	return &Service{deps: deps}
}

// plan is what a command decided to write once its guard and lookups passed.
type plan struct {
	op          ledger.Operation
	txType      ledger.TxType
	amount      int64
	fee         int64
	ref         string
	metadata    map[string]any
	noOverdraft []ledger.AccountType
	events      func(u *ledger.Unit) ([]ledger.OutboxEvent, error)
}

type command struct {
	name          string
	source        string
	key           string
	playerID      int64
	network       ledger.CurrencyNetwork
	correlationID string
	build         func(ctx context.Context, u *ledger.Unit) (plan, error)
}

// ApplyDepositSettlement credits a settled deposit. The idempotency key
// defaults to the transaction hash; a hash already credited under another
// key is rejected with ErrDuplicateDeposit.
func (s *Service) ApplyDepositSettlement(ctx context.Context, in DepositSettlement) (Result, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(in.TxHash)
	}
	if err := validate(in.PlayerID, in.AmountMinor, "txHash", in.TxHash); err != nil {
		return Result{}, err
	}
	cn, err := s.resolve(ctx, in.Currency, in.Network)
	if err != nil {
		return Result{}, err
	}

	return s.apply(ctx, command{
		name: "deposit", source: SourceDepositSettled, key: key,
		playerID: in.PlayerID, network: cn, correlationID: in.CorrelationID,
		build: func(ctx context.Context, u *ledger.Unit) (plan, error) {
			// A hash is credited once, whatever key it arrives under.
			prior, _, err := u.FindTransaction(ctx, in.TxHash, ledger.TxDeposit)
			switch {
			case err == nil:
				return plan{}, fmt.Errorf("%w: tx %s by %s", ErrDuplicateDeposit, in.TxHash, prior.ID)
			case !errors.Is(err, ledger.ErrTransactionNotFound):
				return plan{}, err
			}
			return plan{
				op:       ledger.OpDepositSettled,
				txType:   ledger.TxDeposit,
				amount:   in.AmountMinor,
				ref:      in.TxHash,
				metadata: map[string]any{"tx_hash": in.TxHash},
			}, nil
		},
	})
}

// ReserveWithdrawal moves the amount from MAIN into WITHDRAW_HOLD and
// announces the reservation so the payout can proceed.
func (s *Service) ReserveWithdrawal(ctx context.Context, in WithdrawalReserve) (Result, error) {
	if err := validate(in.PlayerID, in.AmountMinor, "requestId", in.RequestID); err != nil {
		return Result{}, err
	}
	cn, err := s.resolve(ctx, in.Currency, in.Network)
	if err != nil {
		return Result{}, err
	}

	return s.apply(ctx, command{
		name: "withdrawal_reserve", source: SourceWithdrawalReserve, key: in.RequestID,
		playerID: in.PlayerID, network: cn, correlationID: in.CorrelationID,
		build: func(context.Context, *ledger.Unit) (plan, error) {
			return plan{
				op:          ledger.OpWithdrawalReserved,
				txType:      ledger.TxWithdrawReserve,
				amount:      in.AmountMinor,
				ref:         in.RequestID,
				metadata:    map[string]any{"request_id": in.RequestID},
				noOverdraft: []ledger.AccountType{ledger.AccountMain},
				events: func(u *ledger.Unit) ([]ledger.OutboxEvent, error) {
					id := uuid.New()
					ev, err := ledger.NewOutboxEvent(ledger.EventWithdrawalReserved, id, u.Now(), ledger.WithdrawalReservedEvent{
						EventID:       id,
						OccurredAt:    u.Now(),
						PlayerID:      in.PlayerID,
						CorrelationID: in.CorrelationID,
						RequestID:     in.RequestID,
						TxID:          u.TransactionID(),
						Currency:      cn.Currency,
						Network:       cn.Network,
						AmountMinor:   in.AmountMinor,
					})
					if err != nil {
						return nil, err
					}
					return []ledger.OutboxEvent{ev}, nil
				},
			}, nil
		},
	})
}

// FinalizeWithdrawal settles a reservation: the hold is emptied into the
// house, minus the network fee which goes to HOUSE_FEES.
func (s *Service) FinalizeWithdrawal(ctx context.Context, in WithdrawalFinalize) (Result, error) {
	if err := validate(in.PlayerID, in.AmountMinor, "requestId", in.RequestID); err != nil {
		return Result{}, err
	}
	if in.FeeMinor < 0 || in.FeeMinor > in.AmountMinor {
		return Result{}, invalid("feeMinor must be between 0 and amountMinor")
	}
	cn, err := s.resolve(ctx, in.Currency, in.Network)
	if err != nil {
		return Result{}, err
	}

	return s.apply(ctx, command{
		name: "withdrawal_finalize", source: SourceWithdrawalFinalize, key: in.RequestID,
		playerID: in.PlayerID, network: cn, correlationID: in.CorrelationID,
		build: func(ctx context.Context, u *ledger.Unit) (plan, error) {
			reserveID, err := s.openReservation(ctx, u, in.PlayerID, cn.ID, in.RequestID, in.AmountMinor)
			if err != nil {
				return plan{}, err
			}
			return plan{
				op:     ledger.OpWithdrawalSettled,
				txType: ledger.TxWithdrawFinalize,
				amount: in.AmountMinor,
				fee:    in.FeeMinor,
				ref:    in.RequestID,
				metadata: map[string]any{
					"request_id":    in.RequestID,
					"tx_hash":       in.TxHash,
					"fee_minor":     in.FeeMinor,
					"reserve_tx_id": reserveID.String(),
				},
				noOverdraft: []ledger.AccountType{ledger.AccountWithdrawHold},
			}, nil
		},
	})
}

// ReleaseWithdrawal returns a reservation to MAIN.
func (s *Service) ReleaseWithdrawal(ctx context.Context, in WithdrawalRelease) (Result, error) {
	if err := validate(in.PlayerID, in.AmountMinor, "requestId", in.RequestID); err != nil {
		return Result{}, err
	}
	cn, err := s.resolve(ctx, in.Currency, in.Network)
	if err != nil {
		return Result{}, err
	}

	return s.apply(ctx, command{
		name: "withdrawal_release", source: SourceWithdrawalRelease, key: in.RequestID,
		playerID: in.PlayerID, network: cn, correlationID: in.CorrelationID,
		build: func(ctx context.Context, u *ledger.Unit) (plan, error) {
			reserveID, err := s.openReservation(ctx, u, in.PlayerID, cn.ID, in.RequestID, in.AmountMinor)
			if err != nil {
				return plan{}, err
			}
			return plan{
				op:     ledger.OpWithdrawalReleased,
				txType: ledger.TxWithdrawRelease,
				amount: in.AmountMinor,
				ref:    in.RequestID,
				metadata: map[string]any{
					"request_id":    in.RequestID,
					"reason":        in.Reason,
					"reserve_tx_id": reserveID.String(),
				},
				noOverdraft: []ledger.AccountType{ledger.AccountWithdrawHold},
			}, nil
		},
	})
}

// openReservation checks that requestID was reserved for this player and
// network with exactly amount, and that it has not reached a terminal state.
func (s *Service) openReservation(ctx context.Context, u *ledger.Unit, playerID, networkID int64, requestID string, amount int64) (uuid.UUID, error) {
	reserve, postings, err := u.FindTransaction(ctx, requestID, ledger.TxWithdrawReserve)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return uuid.Nil, fmt.Errorf("%w: request %s", ErrReservationNotFound, requestID)
	}
	if err != nil {
		return uuid.Nil, err
	}

	b, err := u.EnsureAccounts(ctx, playerID, networkID, ledger.AccountWithdrawHold)
	if err != nil {
		return uuid.Nil, err
	}
	reserved := amountOn(postings, b[ledger.AccountWithdrawHold], ledger.Credit)
	if reserved == 0 {
		return uuid.Nil, fmt.Errorf("%w: request %s belongs to another player or network", ErrReservationNotFound, requestID)
	}

	closed, _, err := u.FindTransaction(ctx, requestID, ledger.TxWithdrawFinalize, ledger.TxWithdrawRelease)
	switch {
	case err == nil:
		return uuid.Nil, fmt.Errorf("%w: request %s already %s", ErrWithdrawalClosed, requestID, closed.Type)
	case !errors.Is(err, ledger.ErrTransactionNotFound):
		return uuid.Nil, err
	}

	if amount != reserved {
		return uuid.Nil, fmt.Errorf("%w: reserved %d, got %d", ErrAmountMismatch, reserved, amount)
	}
	return reserve.ID, nil
}

// PlaceBet debits a wager from MAIN. The bet is rejected when it exceeds the
// current balance.
func (s *Service) PlaceBet(ctx context.Context, in Bet) (Result, error) {
	if err := validate(in.PlayerID, in.AmountMinor, "betId", in.BetID); err != nil {
		return Result{}, err
	}
	cn, err := s.resolve(ctx, in.Currency, in.Network)
	if err != nil {
		return Result{}, err
	}

	return s.apply(ctx, command{
		name: "bet", source: SourceBet, key: in.BetID,
		playerID: in.PlayerID, network: cn, correlationID: in.CorrelationID,
		build: func(context.Context, *ledger.Unit) (plan, error) {
			return plan{
				op:     ledger.OpBetPlaced,
				txType: ledger.TxBet,
				amount: in.AmountMinor,
				ref:    in.BetID,
				metadata: map[string]any{
					"bet_id":    in.BetID,
					"provider":  in.Provider,
					"round_id":  in.RoundID,
					"game_code": in.GameCode,
				},
				noOverdraft: []ledger.AccountType{ledger.AccountMain},
			}, nil
		},
	})
}

// SettleWin credits a win to MAIN.
func (s *Service) SettleWin(ctx context.Context, in Win) (Result, error) {
	if err := validate(in.PlayerID, in.AmountMinor, "winId", in.WinID); err != nil {
		return Result{}, err
	}
	cn, err := s.resolve(ctx, in.Currency, in.Network)
	if err != nil {
		return Result{}, err
	}

	return s.apply(ctx, command{
		name: "win", source: SourceWin, key: in.WinID,
		playerID: in.PlayerID, network: cn, correlationID: in.CorrelationID,
		build: func(context.Context, *ledger.Unit) (plan, error) {
			return plan{
				op:     ledger.OpWinPaid,
				txType: ledger.TxWin,
				amount: in.AmountMinor,
				ref:    in.WinID,
				metadata: map[string]any{
					"win_id":   in.WinID,
					"bet_id":   in.BetID,
					"round_id": in.RoundID,
					"provider": in.Provider,
				},
			}, nil
		},
	})
}

// Rollback reverses a bet or a win using the amount the original posted to
// the player's MAIN account. A win rollback may leave MAIN negative.
func (s *Service) Rollback(ctx context.Context, in Rollback) (Result, error) {
	refType := strings.ToUpper(strings.TrimSpace(in.ReferenceType))
	var (
		origType  ledger.TxType
		op        ledger.Operation
		direction ledger.Direction
	)
	switch refType {
	case ReferenceBet:
		origType, op, direction = ledger.TxBet, ledger.OpBetRolledBack, ledger.Debit
	case ReferenceWin:
		origType, op, direction = ledger.TxWin, ledger.OpWinRolledBack, ledger.Credit
	default:
		return Result{}, invalid("referenceType must be %s or %s", ReferenceBet, ReferenceWin)
	}
	if in.PlayerID <= 0 {
		return Result{}, invalid("playerId must be positive")
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		return Result{}, invalid("referenceId is required")
	}
	if strings.TrimSpace(in.RollbackID) == "" {
		return Result{}, invalid("rollbackId is required")
	}
	cn, err := s.resolve(ctx, in.Currency, in.Network)
	if err != nil {
		return Result{}, err
	}
	ref := refType + ":" + in.ReferenceID

	return s.apply(ctx, command{
		name: "rollback", source: SourceRollback, key: in.RollbackID,
		playerID: in.PlayerID, network: cn, correlationID: in.CorrelationID,
		build: func(ctx context.Context, u *ledger.Unit) (plan, error) {
			orig, postings, err := u.FindTransaction(ctx, in.ReferenceID, origType)
			if errors.Is(err, ledger.ErrTransactionNotFound) {
				return plan{}, fmt.Errorf("%w: %s %s", ErrOriginalNotFound, refType, in.ReferenceID)
			}
			if err != nil {
				return plan{}, err
			}
			b, err := u.EnsureAccounts(ctx, in.PlayerID, cn.ID, ledger.AccountMain)
			if err != nil {
				return plan{}, err
			}
			amount := amountOn(postings, b[ledger.AccountMain], direction)
			if amount == 0 {
				return plan{}, fmt.Errorf("%w: %s %s has no posting for player %d on %s/%s",
					ErrOriginalNotFound, refType, in.ReferenceID, in.PlayerID, cn.Currency, cn.Network)
			}

			prior, _, err := u.FindTransaction(ctx, ref, ledger.TxRollback)
			switch {
			case err == nil:
				return plan{}, fmt.Errorf("%w: %s by %s", ErrAlreadyRolledBack, ref, prior.ID)
			case !errors.Is(err, ledger.ErrTransactionNotFound):
				return plan{}, err
			}

			return plan{
				op:     op,
				txType: ledger.TxRollback,
				amount: amount,
				ref:    ref,
				metadata: map[string]any{
					"reference_type": refType,
					"reference_id":   in.ReferenceID,
					"rollback_id":    in.RollbackID,
					"original_tx_id": orig.ID.String(),
					"reason":         in.Reason,
				},
			}, nil
		},
	})
}

// GetBalance lists the player's MAIN balances per currency network.
func (s *Service) GetBalance(ctx context.Context, playerID int64) ([]BalanceView, error) {
	if playerID <= 0 {
		return nil, invalid("playerId must be positive")
	}
	rows, err := s.deps.Balances.PlayerBalances(ctx, playerID)
	if err != nil {
		return nil, err
	}
	out := make([]BalanceView, 0, len(rows))
	for _, row := range rows {
		cn, err := s.deps.Networks.ByID(ctx, row.CurrencyNetworkID)
		if err != nil {
			return nil, err
		}
		out = append(out, BalanceView{
			Currency:      cn.Currency,
			Network:       cn.Network,
			Decimals:      cn.Decimals,
			BalanceMinor:  row.BalanceMinor,
			ReservedMinor: row.ReservedMinor,
			CashableMinor: row.CashableMinor,
			UpdatedAt:     row.UpdatedAt,
		})
	}
	return out, nil
}

// Reconcile reports accounts whose cached balance drifted from their postings.
func (s *Service) Reconcile(ctx context.Context) ([]ledger.Drift, error) {
	drifts, err := s.deps.Balances.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drifts {
		s.deps.Logger.Error("balance drift detected",
			slog.Int64("account_id", d.AccountID),
			slog.Int64("cached_minor", d.CachedMinor),
			slog.Int64("replayed_minor", d.ReplayedMinor),
		)
	}
	return drifts, nil
}

// apply runs cmd as one unit of work: guard first, then the command's own
// lookups, then postings, balances and outbox in a single write.
func (s *Service) apply(ctx context.Context, cmd command) (Result, error) {
	start := time.Now()
	var res Result
	err := s.deps.Ledger.Run(ctx, func(ctx context.Context, u *ledger.Unit) error {
		res = Result{}
		existing, replay, err := s.deps.Guard.CheckOrReserve(ctx, u, cmd.source, cmd.key)
		if err != nil {
			return err
		}
		if replay {
			res = Result{TransactionID: existing, Replayed: true}
			return nil
		}

		p, err := cmd.build(ctx, u)
		if err != nil {
			return err
		}
		b, err := u.EnsureAccounts(ctx, cmd.playerID, cmd.network.ID, ledger.RuleAccounts(p.op)...)
		if err != nil {
			return err
		}
		postings, err := ledger.BuildPostings(p.op, b, p.amount, p.fee)
		if err != nil {
			return err
		}
		guarded := make([]int64, 0, len(p.noOverdraft))
		for _, t := range p.noOverdraft {
			guarded = append(guarded, b[t])
		}
		entry := ledger.Entry{
			Type:          p.txType,
			ExternalRef:   p.ref,
			Metadata:      p.metadata,
			Postings:      postings,
			NoOverdraft:   guarded,
			Network:       cmd.network,
			CorrelationID: cmd.correlationID,
		}
		if p.events != nil {
			if entry.Events, err = p.events(u); err != nil {
				return err
			}
		}

		txID, err := u.Write(ctx, entry)
		if err != nil {
			return err
		}
		res = Result{TransactionID: txID}
		return nil
	})

	outcome := "applied"
	attrs := []any{
		slog.String("command", cmd.name),
		slog.String("source", cmd.source),
		slog.String("key", cmd.key),
		slog.Int64("player_id", cmd.playerID),
	}
	if cmd.correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", cmd.correlationID))
	}
	switch {
	case err != nil && IsRetryable(err):
		outcome = "failed"
		s.deps.Logger.Warn("wallet command failed", append(attrs, slog.Any("error", err))...)
	case err != nil:
		outcome = "rejected"
		s.deps.Logger.Info("wallet command rejected", append(attrs, slog.Any("error", err))...)
	case res.Replayed:
		outcome = "replayed"
		s.deps.Logger.Debug("wallet command replayed", append(attrs, slog.String("tx_id", res.TransactionID.String()))...)
	default:
		s.deps.Logger.Debug("wallet command applied", append(attrs, slog.String("tx_id", res.TransactionID.String()))...)
	}
	s.deps.Metrics.CommandCompleted(cmd.name, outcome, time.Since(start))

	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Service) resolve(ctx context.Context, currency, network string) (ledger.CurrencyNetwork, error) {
	cn, err := s.deps.Networks.Resolve(ctx, currency, network)
	if err != nil {
		return ledger.CurrencyNetwork{}, fmt.Errorf("resolve %s/%s: %w", currency, network, err)
	}
	return cn, nil
}

func validate(playerID, amount int64, keyName, key string) error {
	if playerID <= 0 {
		return invalid("playerId must be positive")
	}
	if amount <= 0 {
		return invalid("amountMinor must be positive")
	}
	if strings.TrimSpace(key) == "" {
		return invalid("%s is required", keyName)
	}
	return nil
}

// amountOn sums the postings of direction against accountID.
func amountOn(postings []ledger.Posting, accountID int64, direction ledger.Direction) int64 {
	var total int64
	for _, p := range postings {
		if p.AccountID == accountID && p.Direction == direction {
			total += p.AmountMinor
		}
	}
	return total
}
