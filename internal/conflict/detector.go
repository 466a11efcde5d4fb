package conflict

// Classification is the six-way bucket every record falls into.
type Classification int

const (
	NoChanges Classification = iota
	AirtableOnlyChanges
	SheetsOnlyChanges
	NewInA
	NewInB
	Conflicted
)

// ConflictKind distinguishes the three ways a Conflicted record can arise.
type ConflictKind int

const (
	BothModified ConflictKind = iota
	DeletedInSheets
	DeletedInAirtable
)

// ConflictInfo describes one conflicted record.
type ConflictInfo struct {
	RecordID string
	Kind     ConflictKind
}

// Result is the full classification of one sync run's record set.
type Result struct {
	NoChanges           []string
	AirtableOnlyChanges []string
	SheetsOnlyChanges   []string
	NewInA              []string
	NewInB              []string
	Conflicts           []ConflictInfo
}

// CheckpointHash is the minimal view of a store.CheckpointEntry the
// detector needs.
type CheckpointHash struct {
	Hash string
}

// Detect classifies every record into one of the six buckets above.
// aHashes and bHashes are keyed by record id (bHashes uses a synthetic
// "row:<index>" key for rows with no id column value yet, identified by row
// index). A record present on both sides with no checkpoint entry is not
// classified NewInA/NewInB: it is NoChanges when both hashes are equal and a
// BothModified conflict when they differ.
func Detect(aHashes, bHashes map[string]string, checkpoint map[string]CheckpointHash) Result {
	var res Result

	seen := make(map[string]bool, len(aHashes)+len(bHashes))
	for id := range aHashes {
		seen[id] = true
	}
	for id := range bHashes {
		seen[id] = true
	}

	for id := range seen {
		aHash, inA := aHashes[id]
		bHash, inB := bHashes[id]
		cp, hadCheckpoint := checkpoint[id]

		switch {
		case inA && inB:
			if !hadCheckpoint {
				// Both sides already have the record but no checkpoint
				// exists for it (e.g. checkpoint store was reset): equal
				// hashes are a baseline, differing hashes are reported as
				// a conflict rather than guessing a side.
				if aHash == bHash {
					res.NoChanges = append(res.NoChanges, id)
				} else {
					res.Conflicts = append(res.Conflicts, ConflictInfo{RecordID: id, Kind: BothModified})
				}
				continue
			}
			aChanged := aHash != cp.Hash
			bChanged := bHash != cp.Hash
			switch {
			case !aChanged && !bChanged:
				res.NoChanges = append(res.NoChanges, id)
			case aChanged && !bChanged:
				res.AirtableOnlyChanges = append(res.AirtableOnlyChanges, id)
			case !aChanged && bChanged:
				res.SheetsOnlyChanges = append(res.SheetsOnlyChanges, id)
			default:
				res.Conflicts = append(res.Conflicts, ConflictInfo{RecordID: id, Kind: BothModified})
			}

		case inA && !inB:
			if !hadCheckpoint {
				res.NewInA = append(res.NewInA, id)
			} else if aHash != cp.Hash {
				res.Conflicts = append(res.Conflicts, ConflictInfo{RecordID: id, Kind: DeletedInSheets})
			} else {
				// Unchanged in A, simply removed from B; whether the executor
				// deletes it from A follows from the strategy's decision.
				res.Conflicts = append(res.Conflicts, ConflictInfo{RecordID: id, Kind: DeletedInSheets})
			}

		case !inA && inB:
			if !hadCheckpoint {
				res.NewInB = append(res.NewInB, id)
			} else if bHash != cp.Hash {
				res.Conflicts = append(res.Conflicts, ConflictInfo{RecordID: id, Kind: DeletedInAirtable})
			} else {
				res.Conflicts = append(res.Conflicts, ConflictInfo{RecordID: id, Kind: DeletedInAirtable})
			}
		}
	}

	return res
}
