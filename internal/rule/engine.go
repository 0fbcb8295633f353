package rule

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridline/gridline/internal/rse"
	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/transfer"
	"github.com/gridline/gridline/internal/types"
)

// Engine creates and maintains replication rules. Rule creation is atomic
// per DID: the rule row, its locks, dataset locks and hints commit in one
// transaction, and transfer orders for WAITING locks are submitted only
// after the commit succeeds.
type Engine struct {
	store     storage.Storage
	resolver  rse.ExpressionResolver
	transfers transfer.Submitter
	rng       *rand.Rand
	log       zerolog.Logger
}

func NewEngine(store storage.Storage, resolver rse.ExpressionResolver, transfers transfer.Submitter, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		resolver:  resolver,
		transfers: transfers,
		log:       log.With().Str("component", "rule-engine").Logger(),
	}
}

// SetRand pins the selection randomness, used by tests.
func (e *Engine) SetRand(rng *rand.Rand) {
	e.rng = rng
}

// Request describes one AddReplicationRule call: the same placement demand
// applied to each listed DID, producing one rule per DID.
type Request struct {
	DIDs           []types.DIDRef
	Account        string
	Copies         int
	RSEExpression  string
	Grouping       types.Grouping
	Weight         string
	Lifetime       time.Duration
	Locked         bool
	SubscriptionID string
	Comment        string
}

func (r *Request) validate() error {
	if len(r.DIDs) == 0 {
		return fmt.Errorf("%w: no data identifiers", types.ErrInvalidReplicationRule)
	}
	if r.Account == "" {
		return fmt.Errorf("%w: account is required", types.ErrInvalidReplicationRule)
	}
	if r.Copies < 1 {
		return fmt.Errorf("%w: copies must be at least 1", types.ErrInvalidReplicationRule)
	}
	switch r.Grouping {
	case types.GroupingNone, types.GroupingDataset, types.GroupingAll:
	case "":
		r.Grouping = types.GroupingDataset
	default:
		return fmt.Errorf("%w: unknown grouping %q", types.ErrInvalidReplicationRule, r.Grouping)
	}
	return nil
}

// AddReplicationRule creates one rule per requested DID. DIDs are processed
// independently: rules committed before a failure stay committed, and the
// returned ids cover exactly the committed rules.
func (e *Engine) AddReplicationRule(ctx context.Context, req Request) ([]string, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	rses, err := e.resolver.Resolve(ctx, req.RSEExpression)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, did := range req.DIDs {
		// A fresh selector per DID so each rule sees current quota.
		// Built outside the transaction: quota reads use the pool.
		sel, err := NewSelector(ctx, e.store, req.Account, rses, req.Weight, req.Copies, e.rng)
		if err != nil {
			return ids, err
		}
		id, orders, err := e.createForDID(ctx, did, &req, sel)
		if err != nil {
			return ids, fmt.Errorf("rule on %s: %w", did, err)
		}
		ids = append(ids, id)
		if len(orders) > 0 {
			if err := e.transfers.Submit(ctx, orders); err != nil {
				return ids, err
			}
		}
		e.log.Info().
			Str("rule_id", id).
			Str("did", did.String()).
			Int("copies", req.Copies).
			Str("grouping", string(req.Grouping)).
			Int("transfers", len(orders)).
			Msg("rule created")
	}
	return ids, nil
}

func (e *Engine) createForDID(ctx context.Context, did types.DIDRef, req *Request, sel *Selector) (string, []types.TransferOrder, error) {
	rule := &types.ReplicationRule{
		ID:             uuid.NewString(),
		SubscriptionID: req.SubscriptionID,
		Account:        req.Account,
		Scope:          did.Scope,
		Name:           did.Name,
		RSEExpression:  req.RSEExpression,
		Copies:         req.Copies,
		Grouping:       req.Grouping,
		Weight:         req.Weight,
		Locked:         req.Locked,
		Comment:        req.Comment,
	}
	if req.Lifetime > 0 {
		expires := time.Now().UTC().Add(req.Lifetime)
		rule.ExpiresAt = &expires
	}

	var orders []types.TransferOrder
	err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		d, err := tx.GetDID(ctx, did.Scope, did.Name)
		if err != nil {
			return err
		}
		units, err := collectUnits(ctx, tx, d)
		if err != nil {
			return err
		}

		p := &placement{tx: tx, rule: rule, sel: sel}
		if err := p.place(ctx, units); err != nil {
			return err
		}
		orders = p.orders

		rule.State = types.RuleOK
		for _, l := range p.locks {
			if l.State != types.LockOK {
				rule.State = types.RuleWaiting
				break
			}
		}

		if err := tx.CreateRule(ctx, rule); err != nil {
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
		if rule.State == types.RuleOK {
			return tx.CreateMessage(ctx, "rule.ok", map[string]any{
				"rule_id": rule.ID,
				"scope":   rule.Scope,
				"name":    rule.Name,
				"account": rule.Account,
			})
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return rule.ID, orders, nil
}

// collectUnits flattens the tree below a DID into placement units: one per
// dataset, walking containers with an explicit stack, or a single bare-file
// unit when the DID is a file.
func collectUnits(ctx context.Context, tx storage.Transaction, d *types.DID) ([]*storage.DatasetFiles, error) {
	switch d.Type {
	case types.TypeFile:
		f, err := tx.FileWithLocks(ctx, d.Scope, d.Name)
		if err != nil {
			return nil, err
		}
		return []*storage.DatasetFiles{{Files: []storage.FileWithLocks{*f}}}, nil
	case types.TypeDataset:
		ds, err := tx.DatasetFilesWithLocks(ctx, d.Scope, d.Name)
		if err != nil {
			return nil, err
		}
		return []*storage.DatasetFiles{ds}, nil
	}

	var units []*storage.DatasetFiles
	seen := map[types.DIDRef]bool{d.Ref(): true}
	stack := []types.DIDRef{d.Ref()}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := tx.ListChildDIDs(ctx, cur.Scope, cur.Name)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			ref := types.DIDRef{Scope: c.Scope, Name: c.Name}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			switch c.Type {
			case types.TypeDataset:
				ds, err := tx.DatasetFilesWithLocks(ctx, c.Scope, c.Name)
				if err != nil {
					return nil, err
				}
				units = append(units, ds)
			case types.TypeContainer:
				stack = append(stack, ref)
			}
		}
	}
	return units, nil
}

// placement accumulates the rows a rule application produces.
type placement struct {
	tx   storage.Transaction
	rule *types.ReplicationRule
	sel  *Selector

	// preferred is prepended to every selection's preference list; the
	// re-evaluation pass sets it to the sites the rule already uses.
	preferred []string

	locks        []types.ReplicaLock
	datasetLocks []types.DatasetLock
	hints        []types.RuleHint
	orders       []types.TransferOrder

	replicaCache map[types.DIDRef][]string
}

func (p *placement) replicaRSEs(ctx context.Context, scope, name string) ([]string, error) {
	if p.replicaCache == nil {
		p.replicaCache = map[types.DIDRef][]string{}
	}
	ref := types.DIDRef{Scope: scope, Name: name}
	if cached, ok := p.replicaCache[ref]; ok {
		return cached, nil
	}
	rses, err := p.tx.ListReplicaRSEs(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	p.replicaCache[ref] = rses
	return rses, nil
}

func (p *placement) place(ctx context.Context, units []*storage.DatasetFiles) error {
	switch p.rule.Grouping {
	case types.GroupingNone:
		return p.placeNone(ctx, units)
	case types.GroupingAll:
		return p.placeAll(ctx, units)
	default:
		return p.placeDataset(ctx, units)
	}
}

// placeNone spreads each file independently, preferring the sites that
// already hold a replica so existing copies are reused instead of moved.
func (p *placement) placeNone(ctx context.Context, units []*storage.DatasetFiles) error {
	for _, unit := range units {
		for i := range unit.Files {
			f := &unit.Files[i]
			existing, err := p.replicaRSEs(ctx, f.Scope, f.Name)
			if err != nil {
				return err
			}
			selected, err := p.sel.Select(f.Bytes, append(append([]string{}, p.preferred...), existing...), nil)
			if err != nil {
				return err
			}
			p.lockFile(f, existing, selected)
		}
		if unit.Name != "" {
			p.hints = append(p.hints, types.RuleHint{RuleID: p.rule.ID, Scope: unit.Scope, Name: unit.Name})
		}
	}
	return nil
}

// placeAll selects one RSE set for everything under the rule, sized by the
// total bytes, and pins every file there.
func (p *placement) placeAll(ctx context.Context, units []*storage.DatasetFiles) error {
	var total int64
	var all []*storage.FileWithLocks
	for _, unit := range units {
		for i := range unit.Files {
			total += unit.Files[i].Bytes
			all = append(all, &unit.Files[i])
		}
	}
	preferred := rankByLockedBytes(all)
	selected, err := p.sel.Select(total, append(append([]string{}, p.preferred...), preferred...), nil)
	if err != nil {
		return err
	}
	return p.lockUnits(ctx, units, selected)
}

// placeDataset selects an RSE set per dataset, keeping each dataset's files
// together while letting different datasets land on different sites.
func (p *placement) placeDataset(ctx context.Context, units []*storage.DatasetFiles) error {
	for _, unit := range units {
		var size int64
		var files []*storage.FileWithLocks
		for i := range unit.Files {
			size += unit.Files[i].Bytes
			files = append(files, &unit.Files[i])
		}
		preferred := rankByLockedBytes(files)
		selected, err := p.sel.Select(size, append(append([]string{}, p.preferred...), preferred...), nil)
		if err != nil {
			return err
		}
		if err := p.lockUnits(ctx, []*storage.DatasetFiles{unit}, selected); err != nil {
			return err
		}
	}
	return nil
}

func (p *placement) lockUnits(ctx context.Context, units []*storage.DatasetFiles, selected []string) error {
	for _, unit := range units {
		for _, rseID := range selected {
			if unit.Name != "" {
				p.datasetLocks = append(p.datasetLocks, types.DatasetLock{
					RuleID: p.rule.ID, RSEID: rseID, Scope: unit.Scope, Name: unit.Name,
				})
				p.hints = append(p.hints, types.RuleHint{
					RuleID: p.rule.ID, Scope: unit.Scope, Name: unit.Name, RSEID: rseID,
				})
			}
		}
		for i := range unit.Files {
			f := &unit.Files[i]
			existing, err := p.replicaRSEs(ctx, f.Scope, f.Name)
			if err != nil {
				return err
			}
			p.lockFile(f, existing, selected)
		}
	}
	return nil
}

// lockFile emits one lock per selected RSE. Locks that other rules already
// hold on the file are reused: an OK lock there means the copy exists, and
// a WAITING one means a transfer is already under way, so neither case
// produces a new order. A transfer order is enqueued only where no lock and
// no replica exists.
func (p *placement) lockFile(f *storage.FileWithLocks, existing, selected []string) {
	present := make(map[string]bool, len(existing))
	for _, id := range existing {
		present[id] = true
	}
	held := make(map[string]types.LockState, len(f.Locks))
	for _, l := range f.Locks {
		if cur, ok := held[l.RSEID]; !ok || cur != types.LockOK {
			held[l.RSEID] = l.State
		}
	}
	for _, rseID := range selected {
		var state types.LockState
		switch {
		case held[rseID] == types.LockOK:
			state = types.LockOK
		case held[rseID] == types.LockStuck:
			state = types.LockStuck
		case held[rseID] == types.LockWaiting:
			state = types.LockWaiting
		case present[rseID]:
			state = types.LockOK
		default:
			state = types.LockWaiting
			p.orders = append(p.orders, types.TransferOrder{
				Scope:   f.Scope,
				Name:    f.Name,
				RSEID:   rseID,
				Bytes:   f.Bytes,
				RuleID:  p.rule.ID,
				Account: p.rule.Account,
			})
		}
		p.locks = append(p.locks, types.ReplicaLock{
			RuleID:  p.rule.ID,
			RSEID:   rseID,
			Scope:   f.Scope,
			Name:    f.Name,
			Account: p.rule.Account,
			State:   state,
		})
	}
}

// rankByLockedBytes orders RSE ids by how many bytes of the files other
// rules already lock there, most first, breaking ties by id so the order
// is deterministic. Each file counts once per site no matter how many
// rules lock it.
func rankByLockedBytes(files []*storage.FileWithLocks) []string {
	coverage := map[string]int64{}
	for _, f := range files {
		seen := map[string]bool{}
		for _, l := range f.Locks {
			if seen[l.RSEID] {
				continue
			}
			seen[l.RSEID] = true
			coverage[l.RSEID] += f.Bytes
		}
	}
	ids := make([]string, 0, len(coverage))
	for id := range coverage {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if coverage[ids[i]] != coverage[ids[j]] {
			return coverage[ids[i]] > coverage[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// GetReplicationRule fetches one rule.
func (e *Engine) GetReplicationRule(ctx context.Context, id string) (*types.ReplicationRule, error) {
	return e.store.GetReplicationRule(ctx, id)
}

// ListReplicationRules lists rules by filter.
func (e *Engine) ListReplicationRules(ctx context.Context, filter storage.RuleFilter) ([]*types.ReplicationRule, error) {
	return e.store.ListReplicationRules(ctx, filter)
}
