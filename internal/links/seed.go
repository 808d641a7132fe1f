package links

import (
	"time"

	"pmdash/internal/entities"
)

type eligibleKey struct {
	kind     entities.Kind
	id       string
	linkKind entities.LinkKind
}

// Seed is a snapshot of the stored graph as seen from one scoring batch:
// primary-eligible counts from sources outside the batch, and first-write
// times of every stored link.
type Seed struct {
	eligible map[eligibleKey]int
	created  map[entities.LinkKey]time.Time
	bySource map[entities.Ref][]*entities.Link
}

// LoadSeed reads the project's links once. Sources in batch are being
// re-derived and do not count toward fan-out; a nil batch means every source is.
func (s *Store) LoadSeed(projectID string, batch map[entities.Ref]bool) (*Seed, error) {
	all, err := s.ListAll(projectID)
	if err != nil {
		return nil, err
	}

	seed := &Seed{
		eligible: make(map[eligibleKey]int),
		created:  make(map[entities.LinkKey]time.Time, len(all)),
		bySource: make(map[entities.Ref][]*entities.Link),
	}
	for _, l := range all {
		seed.created[l.Key()] = l.CreatedAt
		if batch == nil || batch[l.Source()] {
			seed.bySource[l.Source()] = append(seed.bySource[l.Source()], l)
			continue
		}
		if l.PrimaryEligible() {
			seed.eligible[eligibleKey{l.TargetKind, l.TargetID, l.LinkKind}]++
		}
	}
	return seed, nil
}

// PrimaryEligible implements scoring.Seed.
func (sd *Seed) PrimaryEligible(targetKind entities.Kind, targetID string, linkKind entities.LinkKind) int {
	return sd.eligible[eligibleKey{targetKind, targetID, linkKind}]
}

// CreatedAt implements scoring.Seed.
func (sd *Seed) CreatedAt(key entities.LinkKey) (time.Time, bool) {
	t, ok := sd.created[key]
	return t, ok
}

// Unasserted returns stored primary links of batch sources that the new result
// set no longer contains, with IsPrimary cleared. Their last-seen operation is
// kept so a later full sync can still prune them.
func (sd *Seed) Unasserted(fresh []*entities.Link) []*entities.Link {
	seen := make(map[entities.LinkKey]bool, len(fresh))
	for _, l := range fresh {
		seen[l.Key()] = true
	}
	var out []*entities.Link
	for _, list := range sd.bySource {
		for _, l := range list {
			if l.IsPrimary && !seen[l.Key()] {
				cp := *l
				cp.IsPrimary = false
				out = append(out, &cp)
			}
		}
	}
	return out
}

// Widen returns batch plus every stored source that competes with it for a
// fan-out slot: sources holding a primary-eligible or demoted link to one of
// targets, or to a target already linked from the batch, repeated until no new
// target appears. Re-deriving the widened set ranks each touched target over
// all of its sources, as a full rebuild does.
func (s *Store) Widen(projectID string, batch map[entities.Ref]bool, targets []entities.Ref) (map[entities.Ref]bool, error) {
	all, err := s.ListAll(projectID)
	if err != nil {
		return nil, err
	}

	ranked := make(map[entities.Ref][]*entities.Link)
	linkers := make(map[entities.Ref][]entities.Ref)
	for _, l := range all {
		if !l.PrimaryEligible() && !l.Demoted {
			continue
		}
		ranked[l.Source()] = append(ranked[l.Source()], l)
		linkers[l.Target()] = append(linkers[l.Target()], l.Source())
	}

	out := make(map[entities.Ref]bool, len(batch))
	queue := append([]entities.Ref(nil), targets...)
	for src := range batch {
		out[src] = true
		for _, l := range ranked[src] {
			queue = append(queue, l.Target())
		}
	}

	seen := make(map[entities.Ref]bool)
	for len(queue) > 0 {
		t := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if seen[t] {
			continue
		}
		seen[t] = true
		for _, src := range linkers[t] {
			if out[src] {
				continue
			}
			out[src] = true
			for _, l := range ranked[src] {
				queue = append(queue, l.Target())
			}
		}
	}
	return out, nil
}
