package sync

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/store"
)

// GenerateLocalMedicationLogs creates one scheduled log for every schedule
// time of every medication active on day. A slot that already holds a log
// (pending, synced or tombstoned) is left alone, so running it repeatedly
// for the same day creates nothing new. New logs are queued for upload
// like any other local create. It returns the number of logs created.
func (e *Engine) GenerateLocalMedicationLogs(ctx context.Context, accountID string, day model.Date) (int, error) {
	if accountID == "" {
		return 0, model.ErrNoAccount
	}
	day, err := model.ParseDate(string(day))
	if err != nil {
		return 0, fmt.Errorf("generating medication logs: %w", err)
	}
	if day.IsZero() {
		return 0, fmt.Errorf("generating medication logs: %w: empty date", model.ErrDecode)
	}
	if err := e.CanWrite(ctx, accountID); err != nil {
		return 0, err
	}

	e.logsMu.Lock()
	defer e.logsMu.Unlock()

	meds, err := store.NewTable[*model.Medication](e.store).FetchWhere(ctx, accountID)
	if err != nil {
		return 0, err
	}

	var (
		created int
		errs    []error
	)
	for _, med := range meds {
		if !med.ActiveOn(day) {
			continue
		}
		for _, at := range med.ScheduledTimes() {
			ok, err := e.generateLog(ctx, med, day, at)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				created++
			}
		}
	}

	if created > 0 {
		e.cntLogs.Add(ctx, int64(created), metric.WithAttributes(attribute.String("account_id", accountID)))
	}
	e.log.Info("medication logs generated", "account_id", accountID, "date", day, "created", created, "errors", len(errs))
	return created, errors.Join(errs...)
}

func (e *Engine) generateLog(ctx context.Context, med *model.Medication, day model.Date, at model.TimeOfDay) (bool, error) {
	key := model.SlotKey(med.ID, day, at)
	_, err := e.store.LookupNaturalKey(ctx, model.KindMedicationLogs, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}

	l := &model.MedicationLog{
		MedicationID:  med.ID,
		ProfileID:     med.ProfileID,
		ScheduledDate: day,
		ScheduledTime: at,
		Status:        model.LogScheduled,
	}
	l.AccountID = med.AccountID
	l.EnsureID()
	l.Touch(e.now())

	if err := e.Save(ctx, l, store.OpCreate); err != nil {
		// A pulled or realtime log may have filled the slot in between.
		if _, lerr := e.store.LookupNaturalKey(ctx, model.KindMedicationLogs, key); lerr == nil {
			e.log.Debug("medication log slot filled concurrently", "slot", key)
			return false, nil
		}
		return false, fmt.Errorf("creating log %s: %w", key, err)
	}
	return true, nil
}
