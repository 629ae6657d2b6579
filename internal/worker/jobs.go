package worker

import (
	"context"

	"appointment-service/config"
	"appointment-service/internal/service"
)

// MaintenanceJobs returns the periodic jobs that keep the ledger tidy
func MaintenanceJobs(cfg config.JobsConfig, settlement *service.SettlementService, wallet *service.WalletService, slots *service.SlotService) []Job {
	return []Job{
		{
			Name: "expire_stale_payments",
			Spec: cfg.ExpirySpec,
			Run:  settlement.ExpireStalePayments,
		},
		{
			Name: "reconcile_wallets",
			Spec: cfg.ReconcileSpec,
			Run: func(ctx context.Context) (int, error) {
				drifted, err := wallet.ReconcileAll(ctx)
				return len(drifted), err
			},
		},
		{
			Name: "refresh_next_available",
			Spec: cfg.NextAvailableSpec,
			Run:  slots.RefreshNextAvailable,
		},
	}
}
