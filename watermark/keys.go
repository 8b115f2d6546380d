package watermark

// KeySeparator joins a dataset URN and a branch name in a per-branch key.
const KeySeparator = "#"

// BranchKey returns the state-store key for one branch of a dataset.
func BranchKey(datasetURN, branch string) string {
	return datasetURN + KeySeparator + branch
}

// Keys returns the keys a dataset's watermark is tracked under. With
// perBranch set and more than one branch, each branch advances its own key;
// otherwise the dataset URN is the only key.
func Keys(datasetURN string, branches []string, perBranch bool) []string {
	if !perBranch || len(branches) <= 1 {
		return []string{datasetURN}
	}
	keys := make([]string, len(branches))
	for i, b := range branches {
		keys[i] = BranchKey(datasetURN, b)
	}
	return keys
}
