package identitymanager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pocket/hexagon/identityplane/internal/domain"
)

// Plan is the set of AdminApi batch calls needed to converge the server's
// catalog onto a desired state.
//
// Entry identity is the content hash computed by domain.NewRegistrationEntry
// over (spiffe_id_path, parent_id, kind, selectors, other_identities): two
// entries with the same identity-bearing fields always share an ID, so a
// changed TTL/admin/expiry/dns_names/store_svid surfaces as an Update against
// the existing ID rather than a Create/Delete pair, and unrelated concurrent
// reconcilers computing the same desired entry never collide on ID choice
// (spec §9 "Stable IDs for replicas").
type Plan struct {
	Create []*domain.RegistrationEntry
	Update []*domain.RegistrationEntry
	Delete []string
}

// Empty reports whether the plan has no work.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// mutableFieldsEqual reports whether the fields NewRegistrationEntry does
// not hash into the ID are identical between desired and current.
func mutableFieldsEqual(desired, current *domain.RegistrationEntry) bool {
	if desired.TTL != current.TTL || desired.Admin != current.Admin || desired.ExpiresAt != current.ExpiresAt || desired.StoreSVID != current.StoreSVID {
		return false
	}
	if len(desired.DNSNames) != len(current.DNSNames) {
		return false
	}
	for i, n := range desired.DNSNames {
		if current.DNSNames[i] != n {
			return false
		}
	}
	return true
}

// Reconcile diffs desired against current and returns the Plan needed to
// converge current onto desired. The reconciler owns the entire catalog it
// reconciles over: any current entry absent from desired is scheduled for
// deletion.
func Reconcile(desired, current []*domain.RegistrationEntry) Plan {
	currentByID := make(map[string]*domain.RegistrationEntry, len(current))
	for _, e := range current {
		currentByID[e.ID] = e
	}
	desiredByID := make(map[string]*domain.RegistrationEntry, len(desired))
	for _, e := range desired {
		desiredByID[e.ID] = e
	}

	var plan Plan
	for _, d := range desired {
		c, ok := currentByID[d.ID]
		if !ok {
			plan.Create = append(plan.Create, d)
			continue
		}
		if !mutableFieldsEqual(d, c) {
			upd := *d
			// BatchUpdate requires the submitted revision to be exactly
			// current+1; the desired state never tracks revisions itself.
			upd.RevisionNumber = c.RevisionNumber + 1
			plan.Update = append(plan.Update, &upd)
		}
	}
	for _, c := range current {
		if _, ok := desiredByID[c.ID]; !ok {
			plan.Delete = append(plan.Delete, c.ID)
		}
	}
	return plan
}

// Reconciler drives one AdminApi client to converge the server's catalog
// onto a desired-state file on each Run call.
type Reconciler struct {
	admin       *AdminClient
	desiredPath string
	logger      *slog.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(admin *AdminClient, desiredPath string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{admin: admin, desiredPath: desiredPath, logger: logger}
}

// Run loads the desired state, fetches the current catalog, diffs them, and
// applies the resulting plan via the AdminApi. It returns the applied plan
// for logging/testing, even if some batch calls reported per-entry errors.
func (r *Reconciler) Run(ctx context.Context) (Plan, error) {
	state, err := LoadDesiredState(r.desiredPath)
	if err != nil {
		return Plan{}, err
	}
	desired, err := state.BuildEntries()
	if err != nil {
		return Plan{}, err
	}
	current, err := r.admin.ListAllEntries(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("identitymanager: list current entries: %w", err)
	}

	plan := Reconcile(desired, current)
	if plan.Empty() {
		r.logger.Debug("reconcile: no changes")
		return plan, nil
	}
	r.logger.Info("reconcile: applying plan", "create", len(plan.Create), "update", len(plan.Update), "delete", len(plan.Delete))

	if results, err := r.admin.CreateEntries(ctx, plan.Create); err != nil {
		return plan, fmt.Errorf("identitymanager: create: %w", err)
	} else {
		logFailedResults(r.logger, "create", results)
	}
	if results, err := r.admin.UpdateEntries(ctx, plan.Update); err != nil {
		return plan, fmt.Errorf("identitymanager: update: %w", err)
	} else {
		logFailedResults(r.logger, "update", results)
	}
	if results, err := r.admin.DeleteEntries(ctx, plan.Delete); err != nil {
		return plan, fmt.Errorf("identitymanager: delete: %w", err)
	} else {
		logFailedResults(r.logger, "delete", results)
	}
	return plan, nil
}

func logFailedResults(logger *slog.Logger, op string, results []EntryResult) {
	for _, r := range results {
		if r.Err != nil {
			logger.Warn("reconcile: entry failed", "op", op, "id", r.ID, "status", r.Status, "error", r.Err)
		}
	}
}
