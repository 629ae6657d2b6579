package store

import (
	"context"
	"database/sql"
	"errors"

	"appointment-service/internal/models"
)

// GetWalletByDoctorID retrieves a doctor's wallet
func (r reader) GetWalletByDoctorID(ctx context.Context, doctorID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.q.GetContext(ctx, &wallet,
		"SELECT * FROM wallets WHERE doctor_id = $1", doctorID); err != nil {
		return nil, mapErr(err)
	}
	return &wallet, nil
}

// ListWallets returns every wallet
func (r reader) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	var wallets []models.Wallet
	err := r.q.SelectContext(ctx, &wallets, "SELECT * FROM wallets ORDER BY id")
	return wallets, err
}

// ListWalletTransactions returns a wallet's transactions, newest first. limit <= 0 returns all.
func (r reader) ListWalletTransactions(ctx context.Context, walletID int64, limit int) ([]models.WalletTransaction, error) {
	var txs []models.WalletTransaction
	if limit <= 0 {
		err := r.q.SelectContext(ctx, &txs,
			"SELECT * FROM wallet_transactions WHERE wallet_id = $1 ORDER BY id DESC", walletID)
		return txs, err
	}
	err := r.q.SelectContext(ctx, &txs,
		"SELECT * FROM wallet_transactions WHERE wallet_id = $1 ORDER BY id DESC LIMIT $2", walletID, limit)
	return txs, err
}

// GetWithdrawal retrieves a withdrawal by ID
func (r reader) GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error) {
	var w models.Withdrawal
	if err := r.q.GetContext(ctx, &w, "SELECT * FROM withdrawals WHERE id = $1", id); err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

// LockWallet locks the doctor's wallet row (FOR UPDATE)
func (t *pgTx) LockWallet(ctx context.Context, doctorID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := t.tx.GetContext(ctx, &wallet,
		"SELECT * FROM wallets WHERE doctor_id = $1 FOR UPDATE", doctorID); err != nil {
		return nil, mapErr(err)
	}
	return &wallet, nil
}

// LockWithdrawal locks a withdrawal row (FOR UPDATE)
func (t *pgTx) LockWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error) {
	var w models.Withdrawal
	if err := t.tx.GetContext(ctx, &w, "SELECT * FROM withdrawals WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

// InsertWallet creates an empty wallet. A concurrent creator yields ErrConflict.
func (t *pgTx) InsertWallet(ctx context.Context, wallet *models.Wallet) error {
	query := `
		INSERT INTO wallets (doctor_id)
		VALUES ($1)
		ON CONFLICT (doctor_id) DO NOTHING
		RETURNING id, doctor_id, current_balance, lifetime_earned, lifetime_withdrawn, pending_withdrawal, created_at, updated_at`

	err := t.tx.GetContext(ctx, wallet, query, wallet.DoctorID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConflict
	}
	return mapErr(err)
}

// UpdateWallet persists the wallet counters
func (t *pgTx) UpdateWallet(ctx context.Context, wallet *models.Wallet) error {
	query := `
		UPDATE wallets SET
			current_balance = $1, lifetime_earned = $2, lifetime_withdrawn = $3,
			pending_withdrawal = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at`

	return mapErr(t.tx.GetContext(ctx, &wallet.UpdatedAt, query,
		wallet.CurrentBalance, wallet.LifetimeEarned, wallet.LifetimeWithdrawn,
		wallet.PendingWithdrawal, wallet.ID))
}

// InsertWalletTransaction appends a ledger entry
func (t *pgTx) InsertWalletTransaction(ctx context.Context, wt *models.WalletTransaction) error {
	query := `
		INSERT INTO wallet_transactions (
			wallet_id, appointment_id, withdrawal_id, amount, type,
			balance_before, balance_after, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	return mapErr(t.tx.GetContext(ctx, wt, query,
		wt.WalletID, wt.AppointmentID, wt.WithdrawalID, wt.Amount, wt.Type,
		wt.BalanceBefore, wt.BalanceAfter, wt.Description))
}

// FindWalletTransaction looks up the entry of a given type for an appointment
func (t *pgTx) FindWalletTransaction(ctx context.Context, appointmentID, txType string) (*models.WalletTransaction, error) {
	var wt models.WalletTransaction
	if err := t.tx.GetContext(ctx, &wt,
		"SELECT * FROM wallet_transactions WHERE appointment_id = $1 AND type = $2",
		appointmentID, txType); err != nil {
		return nil, mapErr(err)
	}
	return &wt, nil
}

// InsertWithdrawal records a pending payout
func (t *pgTx) InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	query := `
		INSERT INTO withdrawals (wallet_id, doctor_id, amount, bank_account, ifsc_code, status, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	return mapErr(t.tx.GetContext(ctx, w, query,
		w.WalletID, w.DoctorID, w.Amount, w.BankAccount, w.IFSCCode, w.Status, w.Note))
}

// UpdateWithdrawal persists withdrawal status
func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	return expectOne(t.tx.ExecContext(ctx,
		"UPDATE withdrawals SET status = $1, note = $2, settled_at = $3 WHERE id = $4",
		w.Status, w.Note, w.SettledAt, w.ID))
}
