package records

// Delta is the change set submitted with one job.
type Delta struct {
	Added   []Record `json:"added"`
	Updated []Record `json:"updated"`
	Deleted []ID     `json:"deleted"`
}

// Empty reports whether applying the delta is a no-op.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Apply merges the delta into base.
func (d Delta) Apply(base []Record) []Record {
	return Merge(base, d.Added, d.Updated, d.Deleted)
}

// Merge appends added to base, replaces every record whose id matches an
// entry of updated with the first such entry, then drops every record whose
// id is listed in deleted. Inputs are never modified.
func Merge(base, added, updated []Record, deleted []ID) []Record {
	replacements := make(map[string]Record, len(updated))
	for _, rec := range updated {
		key, ok := rec.ID()
		if !ok {
			continue
		}
		if _, seen := replacements[key]; !seen {
			replacements[key] = rec
		}
	}
	removed := make(map[string]struct{}, len(deleted))
	for _, id := range deleted {
		if key, ok := id.Key(); ok {
			removed[key] = struct{}{}
		}
	}

	merged := make([]Record, 0, len(base)+len(added))
	for _, group := range [][]Record{base, added} {
		for _, rec := range group {
			if key, ok := rec.ID(); ok {
				if repl, found := replacements[key]; found {
					rec = repl
				}
				if _, gone := removed[key]; gone {
					continue
				}
			}
			merged = append(merged, rec)
		}
	}
	return merged
}

// Snapshot is the remote collection together with the concurrency token it
// was read at.
type Snapshot struct {
	Records []Record
	Token   string
}
