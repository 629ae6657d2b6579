package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"appointment-service/internal/models"
	"appointment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFee(t *testing.T) {
	tests := []struct {
		total, bps    int64
		fee, doctorTo int64
	}{
		{1000, 2000, 200, 800},
		{999, 2000, 199, 800},
		{1, 2000, 0, 1},
		{0, 2000, 0, 0},
		{1500, 0, 0, 1500},
		{1500, 10000, 1500, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%d", tt.total, tt.bps), func(t *testing.T) {
			fee, share := SplitFee(tt.total, tt.bps)
			assert.Equal(t, tt.fee, fee)
			assert.Equal(t, tt.doctorTo, share)
		})
	}

	for total := int64(0); total <= 100000; total++ {
		fee, share := SplitFee(total, 2000)
		if fee+share != total || fee < 0 || share < 0 {
			t.Fatalf("split of %d leaks money: fee=%d share=%d", total, fee, share)
		}
	}
}

func TestCreditIsAppliedOncePerAppointment(t *testing.T) {
	f := newFixture(t)
	in := CreditInput{DoctorID: f.doctor.ID, Amount: 800, AppointmentID: "APT100001"}

	first, applied, err := f.wallet.Credit(f.ctx, in)
	require.NoError(t, err)
	assert.True(t, applied)

	second, applied, err := f.wallet.Credit(f.ctx, in)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.ID, second.ID)

	w := f.walletOf(f.doctor.ID)
	assert.Equal(t, int64(800), w.CurrentBalance)
	assert.Equal(t, int64(800), w.LifetimeEarned)

	_, _, err = f.wallet.Credit(f.ctx, CreditInput{DoctorID: f.doctor.ID, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConcurrentCreditsCreateOneWallet(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := f.wallet.Credit(f.ctx, CreditInput{
				DoctorID:      f.doctor.ID,
				Amount:        100,
				AppointmentID: fmt.Sprintf("APT2%05d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	wallets, err := f.st.ListWallets(f.ctx)
	require.NoError(t, err)
	assert.Len(t, wallets, 1)
	assert.Equal(t, int64(2000), f.walletOf(f.doctor.ID).CurrentBalance)

	report, err := f.wallet.Reconcile(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestDebitNeverOverdraws(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.wallet.Debit(f.ctx, DebitInput{DoctorID: f.doctor.ID, Amount: 1})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, _, err = f.wallet.Credit(f.ctx, CreditInput{DoctorID: f.doctor.ID, Amount: 300})
	require.NoError(t, err)

	_, _, err = f.wallet.Debit(f.ctx, DebitInput{DoctorID: f.doctor.ID, Amount: 301})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(300), f.walletOf(f.doctor.ID).CurrentBalance)

	wt, applied, err := f.wallet.Debit(f.ctx, DebitInput{DoctorID: f.doctor.ID, Amount: 300, AppointmentID: "APT100002"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(-300), wt.Amount)
	assert.Equal(t, int64(300), wt.BalanceBefore)
	assert.Equal(t, int64(0), wt.BalanceAfter)

	w := f.walletOf(f.doctor.ID)
	assert.Zero(t, w.CurrentBalance)
	assert.Zero(t, w.LifetimeEarned)
}

func withdrawal(f *fixture, amount int64) WithdrawInput {
	return WithdrawInput{DoctorID: f.doctor.ID, Amount: amount, BankAccount: "001122334455", IFSCCode: "HDFC0000001"}
}

func TestWithdrawalRules(t *testing.T) {
	f := newFixture(t)

	_, err := f.wallet.Withdraw(f.ctx, withdrawal(f, 600))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, _, err = f.wallet.Credit(f.ctx, CreditInput{DoctorID: f.doctor.ID, Amount: 2000})
	require.NoError(t, err)

	_, err = f.wallet.Withdraw(f.ctx, withdrawal(f, 499))
	assert.ErrorIs(t, err, ErrBelowMinimumWithdrawal)
	_, err = f.wallet.Withdraw(f.ctx, withdrawal(f, 2001))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = f.wallet.Withdraw(f.ctx, withdrawal(f, -5))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Equal(t, int64(2000), f.walletOf(f.doctor.ID).CurrentBalance)
}

func TestWithdrawalConfirmAndReverse(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.wallet.Credit(f.ctx, CreditInput{DoctorID: f.doctor.ID, Amount: 2000})
	require.NoError(t, err)
	f.sink.reset()

	paid, err := f.wallet.Withdraw(f.ctx, withdrawal(f, 1200))
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusPending, paid.Status)
	assert.Equal(t, []string{models.EventTypeWithdrawalRequested}, f.sink.types())

	w := f.walletOf(f.doctor.ID)
	assert.Equal(t, int64(800), w.CurrentBalance)
	assert.Equal(t, int64(1200), w.PendingWithdrawal)

	confirmed, err := f.wallet.ConfirmWithdrawal(f.ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusCompleted, confirmed.Status)
	assert.True(t, confirmed.SettledAt.Valid)

	w = f.walletOf(f.doctor.ID)
	assert.Equal(t, int64(800), w.CurrentBalance)
	assert.Zero(t, w.PendingWithdrawal)
	assert.Equal(t, int64(1200), w.LifetimeWithdrawn)

	_, err = f.wallet.ConfirmWithdrawal(f.ctx, paid.ID)
	assert.ErrorIs(t, err, ErrWithdrawalNotPending)

	bounced, err := f.wallet.Withdraw(f.ctx, withdrawal(f, 600))
	require.NoError(t, err)
	reversed, err := f.wallet.ReverseWithdrawal(f.ctx, bounced.ID, "account closed")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusReversed, reversed.Status)
	assert.Equal(t, "account closed", reversed.Note)

	_, err = f.wallet.ReverseWithdrawal(f.ctx, bounced.ID, "again")
	assert.ErrorIs(t, err, ErrWithdrawalNotPending)
	_, err = f.wallet.ConfirmWithdrawal(f.ctx, 999)
	assert.ErrorIs(t, err, ErrWithdrawalNotFound)

	w = f.walletOf(f.doctor.ID)
	assert.Equal(t, int64(800), w.CurrentBalance)
	assert.Zero(t, w.PendingWithdrawal)
	assert.Equal(t, int64(1200), w.LifetimeWithdrawn)

	txs, err := f.st.ListWalletTransactions(f.ctx, w.ID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(txs))
	for _, tx := range txs {
		types = append(types, tx.Type)
	}
	// newest first; confirmation writes no row
	assert.Equal(t, []string{
		models.TxTypeWithdrawalReversal,
		models.TxTypeWithdrawal,
		models.TxTypeWithdrawal,
		models.TxTypeCredit,
	}, types)

	report, err := f.wallet.Reconcile(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
	assert.Equal(t, int64(800), report.TransactionSum)
}

func TestGetWallet(t *testing.T) {
	f := newFixture(t)

	empty, err := f.wallet.GetWallet(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Zero(t, empty.CurrentBalance)
	assert.False(t, empty.CanWithdraw)
	assert.Equal(t, int64(500), empty.MinWithdrawal)
	assert.NotNil(t, empty.RecentTransactions)

	for i := 0; i < 12; i++ {
		_, _, err := f.wallet.Credit(f.ctx, CreditInput{DoctorID: f.doctor.ID, Amount: 50, AppointmentID: fmt.Sprintf("APT3%05d", i)})
		require.NoError(t, err)
	}

	summary, err := f.wallet.GetWallet(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), summary.CurrentBalance)
	assert.Equal(t, int64(600), summary.LifetimeEarned)
	assert.True(t, summary.CanWithdraw)
	require.Len(t, summary.RecentTransactions, 10)
	assert.Equal(t, "APT300011", summary.RecentTransactions[0].AppointmentID.String)
}

func TestReconcileDetectsDrift(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.wallet.Credit(f.ctx, CreditInput{DoctorID: f.doctor.ID, Amount: 800})
	require.NoError(t, err)

	other := f.addDoctor(500)
	_, _, err = f.wallet.Credit(f.ctx, CreditInput{DoctorID: other.ID, Amount: 400})
	require.NoError(t, err)

	_, err = f.wallet.Reconcile(f.ctx, f.addDoctor(100).ID)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	err = f.st.WithTx(f.ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(f.ctx, f.doctor.ID)
		if err != nil {
			return err
		}
		w.CurrentBalance += 50
		return tx.UpdateWallet(f.ctx, w)
	})
	require.NoError(t, err)

	report, err := f.wallet.Reconcile(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Len(t, report.Problems, 3)
	assert.Equal(t, int64(800), report.LastBalanceAfter)
	assert.Equal(t, int64(850), report.CurrentBalance)
	assert.Equal(t, int64(800), report.TransactionSum)

	bad, err := f.wallet.ReconcileAll(f.ctx)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, f.doctor.ID, bad[0].DoctorID)
	assert.Len(t, f.auditor.withSeverity(models.SeverityIntegrity), 2)
}

func TestReconcileChecksLatestBalanceAfter(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.wallet.Credit(f.ctx, CreditInput{DoctorID: f.doctor.ID, Amount: 800})
	require.NoError(t, err)

	// totals and the sum still agree; only the running balance is off
	err = f.st.WithTx(f.ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(f.ctx, f.doctor.ID)
		if err != nil {
			return err
		}
		return tx.InsertWalletTransaction(f.ctx, &models.WalletTransaction{
			WalletID:      w.ID,
			Type:          models.TxTypeCredit,
			BalanceBefore: 800,
			BalanceAfter:  900,
			Description:   "adjustment",
		})
	})
	require.NoError(t, err)

	report, err := f.wallet.Reconcile(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	require.Len(t, report.Problems, 1)
	assert.Contains(t, report.Problems[0], "balance_after 900")
	assert.Equal(t, int64(800), report.TransactionSum)
	assert.Equal(t, int64(900), report.LastBalanceAfter)
	assert.Len(t, f.auditor.withSeverity(models.SeverityIntegrity), 1)
}

// creditingLedger lands a credit whenever the history is read outside a
// transaction, the way a concurrent settlement could between two plain reads.
type creditingLedger struct {
	store.Ledger
	wallet *WalletService
	doctor int64
	reads  int
}

func (l *creditingLedger) ListWalletTransactions(ctx context.Context, walletID int64, limit int) ([]models.WalletTransaction, error) {
	l.reads++
	if _, _, err := l.wallet.Credit(ctx, CreditInput{DoctorID: l.doctor, Amount: 100}); err != nil {
		return nil, err
	}
	return l.Ledger.ListWalletTransactions(ctx, walletID, limit)
}

func TestReconcileReadsUnderWalletLock(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.wallet.Credit(f.ctx, CreditInput{DoctorID: f.doctor.ID, Amount: 800})
	require.NoError(t, err)

	racy := &creditingLedger{Ledger: f.st, wallet: f.wallet, doctor: f.doctor.ID}
	svc := NewWalletService(racy, f.policy, f.sink, f.auditor)

	report, err := svc.Reconcile(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
	assert.Zero(t, racy.reads)

	bad, err := svc.ReconcileAll(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Empty(t, f.auditor.withSeverity(models.SeverityIntegrity))
}
