package rule

import (
	"context"
	"errors"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// Evaluate processes one re-evaluation feed entry: new content gains locks
// under every rule covering the DID, detached content loses them. BOTH
// entries run the detach pass first so locks freed there cannot mask
// missing ones. Evaluation is idempotent; replaying an entry is harmless.
func (e *Engine) Evaluate(ctx context.Context, u types.UpdatedDID) error {
	rules, err := e.affectedRules(ctx, u.Scope, u.Name)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	for _, r := range rules {
		if u.Action == types.ActionDetach || u.Action == types.ActionBoth {
			if err := e.evaluateDetach(ctx, r); err != nil {
				return err
			}
		}
		if u.Action == types.ActionAttach || u.Action == types.ActionBoth {
			if err := e.evaluateAttach(ctx, r, u.Scope, u.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// affectedRules finds the rules whose scope covers a DID: those rooted at
// the DID itself plus those rooted at any ancestor.
func (e *Engine) affectedRules(ctx context.Context, scope, name string) ([]*types.ReplicationRule, error) {
	rules, err := e.store.ListRulesForDID(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	parents, err := e.store.ListParentDIDs(ctx, scope, name, true)
	if err != nil {
		return nil, err
	}
	for _, p := range parents {
		more, err := e.store.ListRulesForDID(ctx, p.Scope, p.Name)
		if err != nil {
			return nil, err
		}
		rules = append(rules, more...)
	}
	return rules, nil
}

// evaluateAttach extends a rule over the content now reachable through the
// updated DID. Placement prefers the sites the rule already uses, so a
// growing dataset under DATASET or ALL grouping stays together.
func (e *Engine) evaluateAttach(ctx context.Context, r *types.ReplicationRule, scope, name string) error {
	held, err := e.store.GetReplicaLocksForRule(ctx, r.ID)
	if err != nil {
		return err
	}
	lockedFiles := make(map[types.DIDRef]bool, len(held))
	preferredSet := map[string]bool{}
	var preferred []string
	for _, l := range held {
		lockedFiles[types.DIDRef{Scope: l.Scope, Name: l.Name}] = true
		if !preferredSet[l.RSEID] {
			preferredSet[l.RSEID] = true
			preferred = append(preferred, l.RSEID)
		}
	}

	rses, err := e.resolver.Resolve(ctx, r.RSEExpression)
	if err != nil {
		return err
	}
	sel, err := NewSelector(ctx, e.store, r.Account, rses, r.Weight, r.Copies, e.rng)
	if err != nil {
		return err
	}

	var orders []types.TransferOrder
	waitingAdded := false
	err = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		d, err := tx.GetDID(ctx, scope, name)
		if err != nil {
			if errors.Is(err, types.ErrDataIdentifierNotFound) {
				return nil
			}
			return err
		}
		units, err := collectUnits(ctx, tx, d)
		if err != nil {
			return err
		}

		// Drop the files the rule already covers; only the remainder
		// needs placement.
		var pendingUnits []*storage.DatasetFiles
		for _, unit := range units {
			var missing []storage.FileWithLocks
			for _, f := range unit.Files {
				if !lockedFiles[types.DIDRef{Scope: f.Scope, Name: f.Name}] {
					missing = append(missing, f)
				}
			}
			if len(missing) > 0 {
				pendingUnits = append(pendingUnits, &storage.DatasetFiles{
					Scope: unit.Scope, Name: unit.Name, Files: missing,
				})
			}
		}
		if len(pendingUnits) == 0 {
			return nil
		}

		p := &placement{tx: tx, rule: r, sel: sel, preferred: preferred}
		if err := p.place(ctx, pendingUnits); err != nil {
			return err
		}
		if err := tx.InsertReplicaLocks(ctx, p.locks); err != nil {
			return err
		}
		if err := tx.InsertDatasetLocks(ctx, p.datasetLocks); err != nil {
			return err
		}
		if err := tx.InsertRuleHints(ctx, p.hints); err != nil {
			return err
		}
		orders = p.orders
		for _, l := range p.locks {
			if l.State != types.LockOK {
				waitingAdded = true
				break
			}
		}
		if waitingAdded && r.State == types.RuleOK {
			return tx.SetRuleState(ctx, r.ID, types.RuleWaiting)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(orders) > 0 {
		return e.transfers.Submit(ctx, orders)
	}
	return nil
}

// evaluateDetach removes the locks a rule holds on files no longer
// reachable from its root, unpinning the replicas beneath them. Dropping
// the last non-OK lock can complete the rule.
func (e *Engine) evaluateDetach(ctx context.Context, r *types.ReplicationRule) error {
	reachable, err := e.store.ListFiles(ctx, r.Scope, r.Name, false)
	if err != nil {
		if errors.Is(err, types.ErrDataIdentifierNotFound) {
			return nil
		}
		return err
	}
	inTree := make(map[types.DIDRef]bool, len(reachable))
	for _, f := range reachable {
		inTree[types.DIDRef{Scope: f.Scope, Name: f.Name}] = true
	}

	held, err := e.store.GetReplicaLocksForRule(ctx, r.ID)
	if err != nil {
		return err
	}
	var stale []types.ReplicaLock
	allRemainOK := true
	for _, l := range held {
		if !inTree[types.DIDRef{Scope: l.Scope, Name: l.Name}] {
			stale = append(stale, l)
		} else if l.State != types.LockOK {
			allRemainOK = false
		}
	}
	if len(stale) == 0 {
		return nil
	}

	return e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.DeleteReplicaLocks(ctx, stale); err != nil {
			return err
		}
		if allRemainOK && r.State != types.RuleOK {
			if err := tx.SetRuleState(ctx, r.ID, types.RuleOK); err != nil {
				return err
			}
			return tx.CreateMessage(ctx, "rule.ok", map[string]any{
				"rule_id": r.ID,
				"scope":   r.Scope,
				"name":    r.Name,
				"account": r.Account,
			})
		}
		return nil
	})
}
