package runtime

import "github.com/go-vhal/vhal"

func checkUniqueRequestIDs(ids []vhal.RequestID) error {
	seen := make(map[vhal.RequestID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return vhal.ErrDuplicateInBatch
		}
		seen[id] = struct{}{}
	}
	return nil
}

func checkUniquePropIDsOfGets(reqs []vhal.GetRequest) error {
	seen := make(map[vhal.PropertyID]struct{}, len(reqs))
	for _, r := range reqs {
		if _, dup := seen[r.PropID]; dup {
			return vhal.ErrDuplicateInBatch
		}
		seen[r.PropID] = struct{}{}
	}
	return nil
}

func checkUniquePropIDsOfSets(reqs []vhal.SetRequest) error {
	seen := make(map[vhal.PropertyID]struct{}, len(reqs))
	for _, r := range reqs {
		if _, dup := seen[r.Value.PropID]; dup {
			return vhal.ErrDuplicateInBatch
		}
		seen[r.Value.PropID] = struct{}{}
	}
	return nil
}

func reqIDsOfGets(reqs []vhal.GetRequest) []vhal.RequestID {
	out := make([]vhal.RequestID, len(reqs))
	for i, r := range reqs {
		out[i] = r.RequestID
	}
	return out
}

func reqIDsOfSets(reqs []vhal.SetRequest) []vhal.RequestID {
	out := make([]vhal.RequestID, len(reqs))
	for i, r := range reqs {
		out[i] = r.RequestID
	}
	return out
}

func timeoutGetResults(entries []PendingEntry) []vhal.GetValueResult {
	out := make([]vhal.GetValueResult, len(entries))
	for i := range entries {
		out[i] = vhal.GetValueResult{RequestID: entries[i].RequestID, Status: vhal.StatusTryAgain}
	}
	return out
}

func timeoutSetResults(entries []PendingEntry) []vhal.SetValueResult {
	out := make([]vhal.SetValueResult, len(entries))
	for i := range entries {
		out[i] = vhal.SetValueResult{RequestID: entries[i].RequestID, Status: vhal.StatusTryAgain}
	}
	return out
}
