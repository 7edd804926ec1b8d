// Package budget implements the atomic daily/weekly cost-budget debit and
// refund half of spec component C3. Amounts are tracked in micro-dollars
// (1e6ths of a dollar) so the underlying coordinating-store primitive can
// stay a plain bounded integer increment.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/store"
)

const microDollarScale = 1_000_000

// Ledger serves named per-tenant budgets backed by a Coordinator.
// IncrBounded gives the atomic "compare-and-increment against a limit,
// single round trip" behaviour spec.md §4.3 requires directly: the debit
// either applies in full or is rejected in full.
type Ledger struct {
	Coord store.Coordinator
	Now   func() time.Time
}

func NewLedger(coord store.Coordinator) *Ledger {
	return &Ledger{Coord: coord, Now: time.Now}
}

func usedKey(tenant, name, periodKey string) string {
	return fmt.Sprintf("budget:used:%s:%s:%s", tenant, name, periodKey)
}

func specKey(tenant, name string) string {
	return fmt.Sprintf("budget:spec:%s:%s", tenant, name)
}

// SetSpec installs or replaces a named budget for a tenant (admin API).
func (l *Ledger) SetSpec(ctx context.Context, tenant string, spec models.BudgetSpec) error {
	if spec.Period != "day" && spec.Period != "week" {
		return fmt.Errorf("budget: period must be day or week, got %q", spec.Period)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return l.Coord.PutTTL(ctx, specKey(tenant, spec.Name), string(raw), 0)
}

// Spec reads a tenant's named budget spec. A missing budget means
// unlimited (§4.3 Configurability).
func (l *Ledger) Spec(ctx context.Context, tenant, name string) (models.BudgetSpec, bool, error) {
	raw, found, err := l.Coord.Get(ctx, specKey(tenant, name))
	if err != nil || !found {
		return models.BudgetSpec{}, false, err
	}
	var spec models.BudgetSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return models.BudgetSpec{}, false, err
	}
	return spec, true, nil
}

// PeriodKey computes the UTC period key for "day" or "week" periods.
func PeriodKey(period string, now time.Time) string {
	now = now.UTC()
	if period == "week" {
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
	return now.Format("2006-01-02")
}

// Debit atomically compares-and-increments used_usd against limit_usd for
// the tenant/name/current-period. A missing spec means unlimited and always
// succeeds without recording usage. Returns the resulting BudgetCounter and
// whether the debit applied; a false return corresponds to BudgetExceeded.
func (l *Ledger) Debit(ctx context.Context, tenant, name string, amountUSD float64) (models.BudgetCounter, bool, error) {
	spec, found, err := l.Spec(ctx, tenant, name)
	if err != nil {
		return models.BudgetCounter{}, false, err
	}
	if !found {
		return models.BudgetCounter{Tenant: tenant, Name: name, LimitUSD: 0, UsedUSD: 0}, true, nil
	}
	periodKey := PeriodKey(spec.Period, l.Now())
	key := usedKey(tenant, name, periodKey)
	limitMicros := int64(spec.LimitUSD * microDollarScale)
	deltaMicros := int64(amountUSD * microDollarScale)

	newVal, ok, err := l.Coord.IncrBounded(ctx, key, deltaMicros, limitMicros)
	if err != nil {
		return models.BudgetCounter{}, false, err
	}
	used := float64(newVal) / microDollarScale
	counter := models.BudgetCounter{Tenant: tenant, Name: name, PeriodKey: periodKey, LimitUSD: spec.LimitUSD, UsedUSD: used}
	return counter, ok, nil
}

// Refund decrements used_usd by amountUSD, clamped at 0, for the same
// period the original debit used. Called when a downstream failure occurs
// within the same request after a successful debit.
func (l *Ledger) Refund(ctx context.Context, tenant, name string, amountUSD float64) error {
	spec, found, err := l.Spec(ctx, tenant, name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	periodKey := PeriodKey(spec.Period, l.Now())
	key := usedKey(tenant, name, periodKey)
	deltaMicros := -int64(amountUSD * microDollarScale)
	// Refunds must never fail the request: retry against whatever the
	// current value is until the clamped-at-zero decrement applies.
	for i := 0; i < 8; i++ {
		cur, found, err := l.Coord.Get(ctx, key)
		if err != nil {
			return err
		}
		curVal := int64(0)
		if found {
			fmt.Sscanf(cur, "%d", &curVal)
		}
		target := curVal + deltaMicros
		if target < 0 {
			target = 0
		}
		if applied, err := l.Coord.CASInt(ctx, key, curVal, target); err != nil {
			return err
		} else if applied {
			return nil
		}
	}
	return fmt.Errorf("budget: refund did not converge for %s/%s", tenant, name)
}

// Counter reads the current usage for a tenant/name without mutating it.
func (l *Ledger) Counter(ctx context.Context, tenant, name string) (models.BudgetCounter, error) {
	spec, found, err := l.Spec(ctx, tenant, name)
	if err != nil {
		return models.BudgetCounter{}, err
	}
	if !found {
		return models.BudgetCounter{Tenant: tenant, Name: name}, nil
	}
	periodKey := PeriodKey(spec.Period, l.Now())
	raw, found, err := l.Coord.Get(ctx, usedKey(tenant, name, periodKey))
	if err != nil {
		return models.BudgetCounter{}, err
	}
	used := int64(0)
	if found {
		fmt.Sscanf(raw, "%d", &used)
	}
	return models.BudgetCounter{
		Tenant: tenant, Name: name, PeriodKey: periodKey,
		LimitUSD: spec.LimitUSD, UsedUSD: float64(used) / microDollarScale,
	}, nil
}
