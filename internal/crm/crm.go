// Package crm resolves orders to customer accounts.
package crm

import (
	"context"

	"optiplan-pipeline/internal/models"
)

// Directory is the account lookup the gate and receipt pricing use. The job
// store implements it.
type Directory interface {
	AccountByRef(ctx context.Context, ref string) (models.CRMAccount, bool, error)
	AccountByPhone(ctx context.Context, normalizedPhone string) (models.CRMAccount, bool, error)
}

// Resolve finds the account for an order: foreign key first, then the
// normalized phone.
func Resolve(ctx context.Context, dir Directory, order models.Order) (models.CRMAccount, bool, error) {
	if order.CustomerRef != "" {
		acc, ok, err := dir.AccountByRef(ctx, order.CustomerRef)
		if err != nil || ok {
			return acc, ok, err
		}
	}
	phone := models.NormalizePhone(order.CustomerPhone)
	if phone == "" {
		return models.CRMAccount{}, false, nil
	}
	return dir.AccountByPhone(ctx, phone)
}
