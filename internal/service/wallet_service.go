package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"appointment-service/internal/audit"
	"appointment-service/internal/models"
	"appointment-service/internal/store"
	"appointment-service/internal/util"

	"go.uber.org/zap"
)

const recentTransactions = 10

// WalletService is the doctor earnings ledger. Every balance change is
// written together with an append-only transaction row.
type WalletService struct {
	store  store.Ledger
	policy Policy
	events EventSink
	audit  Auditor
	logger *zap.Logger
}

// NewWalletService creates a new wallet service
func NewWalletService(st store.Ledger, policy Policy, events EventSink, auditor Auditor) *WalletService {
	if events == nil {
		events = noopSink{}
	}
	if auditor == nil {
		auditor = noopAuditor{}
	}
	return &WalletService{
		store:  st,
		policy: policy,
		events: events,
		audit:  auditor,
		logger: util.GetLogger(),
	}
}

// CreditInput moves a consultation share into a doctor's wallet
type CreditInput struct {
	DoctorID      int64
	Amount        int64
	AppointmentID string
	Description   string
}

// DebitInput takes a consultation share back out, e.g. on refund
type DebitInput struct {
	DoctorID      int64
	Amount        int64
	AppointmentID string
	Description   string
}

// WithdrawInput requests a bank payout
type WithdrawInput struct {
	DoctorID    int64  `json:"-"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	BankAccount string `json:"bank_account" binding:"required"`
	IFSCCode    string `json:"ifsc_code" binding:"required,len=11"`
}

// WalletSummary is what a doctor sees on their wallet page
type WalletSummary struct {
	DoctorID           int64                      `json:"doctor_id"`
	CurrentBalance     int64                      `json:"current_balance"`
	LifetimeEarned     int64                      `json:"lifetime_earned"`
	LifetimeWithdrawn  int64                      `json:"lifetime_withdrawn"`
	PendingWithdrawal  int64                      `json:"pending_withdrawal"`
	CanWithdraw        bool                       `json:"can_withdraw"`
	MinWithdrawal      int64                      `json:"min_withdrawal"`
	RecentTransactions []models.WalletTransaction `json:"recent_transactions"`
}

// ReconcileReport compares the wallet totals with its transaction history
type ReconcileReport struct {
	DoctorID         int64    `json:"doctor_id"`
	WalletID         int64    `json:"wallet_id"`
	CurrentBalance   int64    `json:"current_balance"`
	ComputedBalance  int64    `json:"computed_balance"`
	TransactionSum   int64    `json:"transaction_sum"`
	LastBalanceAfter int64    `json:"last_balance_after"`
	Consistent       bool     `json:"consistent"`
	Problems         []string `json:"problems,omitempty"`
}

func (s *WalletService) lockOrCreate(ctx context.Context, tx store.Tx, doctorID int64) (*models.Wallet, error) {
	w, err := tx.LockWallet(ctx, doctorID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	w = &models.Wallet{DoctorID: doctorID}
	err = tx.InsertWallet(ctx, w)
	if errors.Is(err, store.ErrConflict) {
		w, err = tx.LockWallet(ctx, doctorID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return w, nil
}

func (s *WalletService) appendTx(ctx context.Context, tx store.Tx, w *models.Wallet, before int64, wt *models.WalletTransaction) error {
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	wt.WalletID = w.ID
	wt.BalanceBefore = before
	wt.BalanceAfter = w.CurrentBalance
	if err := tx.InsertWalletTransaction(ctx, wt); err != nil {
		return fmt.Errorf("failed to record wallet transaction: %w", err)
	}
	return nil
}

func appointmentRef(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}

// CreditTx credits the wallet inside the caller's transaction. A credit for
// an appointment that was already credited returns the original row and
// applied=false.
func (s *WalletService) CreditTx(ctx context.Context, tx store.Tx, in CreditInput) (*models.WalletTransaction, bool, error) {
	if in.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	w, err := s.lockOrCreate(ctx, tx, in.DoctorID)
	if err != nil {
		return nil, false, err
	}

	if in.AppointmentID != "" {
		existing, err := tx.FindWalletTransaction(ctx, in.AppointmentID, models.TxTypeCredit)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("failed to check prior credit: %w", err)
		}
	}

	before := w.CurrentBalance
	w.CurrentBalance += in.Amount
	w.LifetimeEarned += in.Amount

	wt := &models.WalletTransaction{
		AppointmentID: appointmentRef(in.AppointmentID),
		Amount:        in.Amount,
		Type:          models.TxTypeCredit,
		Description:   in.Description,
	}
	if err := s.appendTx(ctx, tx, w, before, wt); err != nil {
		return nil, false, err
	}
	return wt, true, nil
}

// Credit credits the wallet in its own transaction
func (s *WalletService) Credit(ctx context.Context, in CreditInput) (*models.WalletTransaction, bool, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Credit")
	defer span.End()

	var (
		wt      *models.WalletTransaction
		applied bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		wt, applied, err = s.CreditTx(ctx, tx, in)
		return err
	})
	if err != nil {
		util.WalletOperationsTotal.WithLabelValues(models.TxTypeCredit, "error").Inc()
		util.RecordError(span, err)
		return nil, false, err
	}

	util.WalletOperationsTotal.WithLabelValues(models.TxTypeCredit, outcome(applied)).Inc()
	return wt, applied, nil
}

// DebitTx debits the wallet inside the caller's transaction. The balance
// can never go negative.
func (s *WalletService) DebitTx(ctx context.Context, tx store.Tx, in DebitInput) (*models.WalletTransaction, bool, error) {
	if in.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	w, err := tx.LockWallet(ctx, in.DoctorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, ErrInsufficientFunds
		}
		return nil, false, fmt.Errorf("failed to lock wallet: %w", err)
	}

	if in.AppointmentID != "" {
		existing, err := tx.FindWalletTransaction(ctx, in.AppointmentID, models.TxTypeDebit)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("failed to check prior debit: %w", err)
		}
	}

	if in.Amount > w.CurrentBalance {
		return nil, false, ErrInsufficientFunds
	}

	before := w.CurrentBalance
	w.CurrentBalance -= in.Amount
	w.LifetimeEarned -= in.Amount

	wt := &models.WalletTransaction{
		AppointmentID: appointmentRef(in.AppointmentID),
		Amount:        -in.Amount,
		Type:          models.TxTypeDebit,
		Description:   in.Description,
	}
	if err := s.appendTx(ctx, tx, w, before, wt); err != nil {
		return nil, false, err
	}
	return wt, true, nil
}

// Debit debits the wallet in its own transaction
func (s *WalletService) Debit(ctx context.Context, in DebitInput) (*models.WalletTransaction, bool, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Debit")
	defer span.End()

	var (
		wt      *models.WalletTransaction
		applied bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		wt, applied, err = s.DebitTx(ctx, tx, in)
		return err
	})
	if err != nil {
		util.WalletOperationsTotal.WithLabelValues(models.TxTypeDebit, "error").Inc()
		util.RecordError(span, err)
		return nil, false, err
	}

	util.WalletOperationsTotal.WithLabelValues(models.TxTypeDebit, outcome(applied)).Inc()
	return wt, applied, nil
}

func outcome(applied bool) string {
	if applied {
		return "applied"
	}
	return "duplicate"
}

// Withdraw moves money from the balance into pending withdrawal until the
// bank confirms the payout.
func (s *WalletService) Withdraw(ctx context.Context, in WithdrawInput) (*models.Withdrawal, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Withdraw")
	defer span.End()

	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.Amount < s.policy.MinWithdrawal {
		return nil, ErrBelowMinimumWithdrawal
	}

	var wd *models.Withdrawal
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, in.DoctorID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("failed to lock wallet: %w", err)
		}
		if in.Amount > w.CurrentBalance {
			return ErrInsufficientFunds
		}

		wd = &models.Withdrawal{
			WalletID:    w.ID,
			DoctorID:    in.DoctorID,
			Amount:      in.Amount,
			BankAccount: in.BankAccount,
			IFSCCode:    in.IFSCCode,
			Status:      models.WithdrawalStatusPending,
		}
		if err := tx.InsertWithdrawal(ctx, wd); err != nil {
			return fmt.Errorf("failed to create withdrawal: %w", err)
		}

		before := w.CurrentBalance
		w.CurrentBalance -= in.Amount
		w.PendingWithdrawal += in.Amount

		return s.appendTx(ctx, tx, w, before, &models.WalletTransaction{
			WithdrawalID: sql.NullInt64{Int64: wd.ID, Valid: true},
			Amount:       -in.Amount,
			Type:         models.TxTypeWithdrawal,
			Description:  fmt.Sprintf("Withdrawal to account ending %s", lastDigits(in.BankAccount, 4)),
		})
	})
	if err != nil {
		util.WalletOperationsTotal.WithLabelValues(models.TxTypeWithdrawal, "error").Inc()
		util.RecordError(span, err)
		return nil, err
	}

	util.WalletOperationsTotal.WithLabelValues(models.TxTypeWithdrawal, "applied").Inc()
	s.logger.Info("Withdrawal requested",
		zap.Int64("doctor_id", in.DoctorID),
		zap.Int64("withdrawal_id", wd.ID),
		zap.Int64("amount", in.Amount))

	s.audit.Record(ctx, audit.Entry{
		Action:     "wallet.withdrawal_requested",
		EntityType: "withdrawal",
		EntityID:   idString(wd.ID),
		ActorID:    in.DoctorID,
		Detail:     map[string]interface{}{"amount": in.Amount},
	})

	e := s.policy.newEvent(models.EventTypeWithdrawalRequested, models.CategoryWallet,
		"Withdrawal requested",
		fmt.Sprintf("Your withdrawal of %s is being processed", formatAmount(in.Amount)))
	e.DoctorID = in.DoctorID
	e.Recipients = []models.Recipient{{UserID: in.DoctorID, Role: models.RoleDoctor}}
	s.events.Emit(ctx, e)

	return wd, nil
}

func lastDigits(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[len(v)-n:]
}

func (s *WalletService) settleWithdrawal(ctx context.Context, withdrawalID int64, fn func(tx store.Tx, w *models.Wallet, wd *models.Withdrawal) error) (*models.Withdrawal, error) {
	var wd *models.Withdrawal
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetWithdrawal(ctx, withdrawalID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrWithdrawalNotFound
			}
			return fmt.Errorf("failed to get withdrawal: %w", err)
		}

		w, err := tx.LockWallet(ctx, cur.DoctorID)
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}
		wd, err = tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return fmt.Errorf("failed to lock withdrawal: %w", err)
		}
		if wd.Status != models.WithdrawalStatusPending {
			return ErrWithdrawalNotPending
		}
		if w.PendingWithdrawal < wd.Amount {
			integrityAlert(ctx, s.audit, "wallet.pending_underflow", "withdrawal", idString(wd.ID), map[string]interface{}{
				"pending_withdrawal": w.PendingWithdrawal,
				"amount":             wd.Amount,
			})
			util.LedgerIntegrityAlerts.WithLabelValues("pending_underflow").Inc()
			return fmt.Errorf("pending withdrawal below withdrawal amount: %w", ErrInsufficientFunds)
		}

		if err := fn(tx, w, wd); err != nil {
			return err
		}

		wd.SettledAt = sql.NullTime{Time: s.policy.now(), Valid: true}
		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return fmt.Errorf("failed to update withdrawal: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wd, nil
}

// ConfirmWithdrawal marks a payout as received by the bank
func (s *WalletService) ConfirmWithdrawal(ctx context.Context, withdrawalID int64) (*models.Withdrawal, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.ConfirmWithdrawal")
	defer span.End()

	wd, err := s.settleWithdrawal(ctx, withdrawalID, func(tx store.Tx, w *models.Wallet, wd *models.Withdrawal) error {
		w.PendingWithdrawal -= wd.Amount
		w.LifetimeWithdrawn += wd.Amount
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}
		wd.Status = models.WithdrawalStatusCompleted
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("Withdrawal confirmed", zap.Int64("withdrawal_id", wd.ID), zap.Int64("amount", wd.Amount))
	s.audit.Record(ctx, audit.Entry{
		Action:     "wallet.withdrawal_confirmed",
		EntityType: "withdrawal",
		EntityID:   idString(wd.ID),
	})
	return wd, nil
}

// ReverseWithdrawal returns a failed payout to the balance
func (s *WalletService) ReverseWithdrawal(ctx context.Context, withdrawalID int64, reason string) (*models.Withdrawal, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.ReverseWithdrawal")
	defer span.End()

	wd, err := s.settleWithdrawal(ctx, withdrawalID, func(tx store.Tx, w *models.Wallet, wd *models.Withdrawal) error {
		before := w.CurrentBalance
		w.PendingWithdrawal -= wd.Amount
		w.CurrentBalance += wd.Amount
		wd.Status = models.WithdrawalStatusReversed
		wd.Note = reason
		return s.appendTx(ctx, tx, w, before, &models.WalletTransaction{
			WithdrawalID: sql.NullInt64{Int64: wd.ID, Valid: true},
			Amount:       wd.Amount,
			Type:         models.TxTypeWithdrawalReversal,
			Description:  "Withdrawal reversed: " + reason,
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Warn("Withdrawal reversed",
		zap.Int64("withdrawal_id", wd.ID),
		zap.Int64("amount", wd.Amount),
		zap.String("reason", reason))
	s.audit.Record(ctx, audit.Entry{
		Action:     "wallet.withdrawal_reversed",
		EntityType: "withdrawal",
		EntityID:   idString(wd.ID),
		Detail:     map[string]interface{}{"reason": reason},
	})
	return wd, nil
}

// GetWallet returns the summary of a doctor's wallet. A doctor who has never
// earned anything sees an empty wallet.
func (s *WalletService) GetWallet(ctx context.Context, doctorID int64) (*WalletSummary, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.GetWallet")
	defer span.End()

	summary := &WalletSummary{
		DoctorID:           doctorID,
		MinWithdrawal:      s.policy.MinWithdrawal,
		RecentTransactions: []models.WalletTransaction{},
	}

	w, err := s.store.GetWalletByDoctorID(ctx, doctorID)
	if errors.Is(err, store.ErrNotFound) {
		return summary, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}

	txs, err := s.store.ListWalletTransactions(ctx, w.ID, recentTransactions)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet transactions: %w", err)
	}

	summary.CurrentBalance = w.CurrentBalance
	summary.LifetimeEarned = w.LifetimeEarned
	summary.LifetimeWithdrawn = w.LifetimeWithdrawn
	summary.PendingWithdrawal = w.PendingWithdrawal
	summary.CanWithdraw = w.CurrentBalance >= s.policy.MinWithdrawal
	if txs != nil {
		summary.RecentTransactions = txs
	}
	return summary, nil
}

// Reconcile checks the wallet totals against each other and against the
// transaction history.
func (s *WalletService) Reconcile(ctx context.Context, doctorID int64) (*ReconcileReport, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Reconcile")
	defer span.End()

	r, err := s.reconcile(ctx, doctorID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return r, nil
}

// reconcile reads the wallet and its history under the wallet lock so a
// concurrent credit cannot land between the two reads.
func (s *WalletService) reconcile(ctx context.Context, doctorID int64) (*ReconcileReport, error) {
	var r *ReconcileReport
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, doctorID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrWalletNotFound
			}
			return fmt.Errorf("failed to lock wallet: %w", err)
		}
		txs, err := tx.ListWalletTransactions(ctx, w.ID, 0)
		if err != nil {
			return fmt.Errorf("failed to list wallet transactions: %w", err)
		}
		r = checkWallet(w, txs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !r.Consistent {
		util.WalletReconciliationFailures.Inc()
		s.logger.Error("Wallet reconciliation mismatch",
			zap.Int64("doctor_id", r.DoctorID),
			zap.Int64("wallet_id", r.WalletID),
			zap.Strings("problems", r.Problems))
		integrityAlert(ctx, s.audit, "wallet.reconciliation_mismatch", "wallet", idString(r.WalletID), map[string]interface{}{
			"problems": r.Problems,
		})
	}
	return r, nil
}

// checkWallet compares a wallet with its history, newest transaction first
func checkWallet(w *models.Wallet, txs []models.WalletTransaction) *ReconcileReport {
	var sum int64
	for _, t := range txs {
		sum += t.Amount
	}

	r := &ReconcileReport{
		DoctorID:        w.DoctorID,
		WalletID:        w.ID,
		CurrentBalance:  w.CurrentBalance,
		ComputedBalance: w.LifetimeEarned - w.LifetimeWithdrawn - w.PendingWithdrawal,
		TransactionSum:  sum,
	}
	if r.ComputedBalance != w.CurrentBalance {
		r.Problems = append(r.Problems, fmt.Sprintf("balance %d != earned - withdrawn - pending = %d", w.CurrentBalance, r.ComputedBalance))
	}
	if sum != w.CurrentBalance {
		r.Problems = append(r.Problems, fmt.Sprintf("balance %d != sum of transactions %d", w.CurrentBalance, sum))
	}
	if len(txs) > 0 {
		r.LastBalanceAfter = txs[0].BalanceAfter
		if txs[0].BalanceAfter != w.CurrentBalance {
			r.Problems = append(r.Problems, fmt.Sprintf("balance %d != balance_after %d of latest transaction %d",
				w.CurrentBalance, txs[0].BalanceAfter, txs[0].ID))
		}
	}
	r.Consistent = len(r.Problems) == 0
	return r
}

// ReconcileAll reconciles every wallet and returns the inconsistent ones
func (s *WalletService) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.ReconcileAll")
	defer span.End()

	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	var bad []ReconcileReport
	for i := range wallets {
		r, err := s.reconcile(ctx, wallets[i].DoctorID)
		if errors.Is(err, ErrWalletNotFound) {
			continue
		}
		if err != nil {
			return bad, err
		}
		if !r.Consistent {
			bad = append(bad, *r)
		}
	}

	s.logger.Info("Wallet reconciliation finished",
		zap.Int("wallets", len(wallets)),
		zap.Int("inconsistent", len(bad)))
	return bad, nil
}
