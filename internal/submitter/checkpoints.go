package submitter

import "sort"

// Checkpoint maps a progress floor to the line shown to the user.
type Checkpoint struct {
	Progress int
	Message  string
}

// ProcessingMessage is shown below the first checkpoint.
const ProcessingMessage = "Processing your submission"

// DefaultCheckpoints follow the portal automation steps.
var DefaultCheckpoints = []Checkpoint{
	{10, "Opening the service portal"},
	{30, "Signed in to the portal"},
	{40, "Found the service application"},
	{50, "Filling in the application form"},
	{70, "Attaching your documents"},
	{90, "Submitting the application"},
}

// MessageFor picks the greatest checkpoint not above progress. table need not be sorted.
func MessageFor(table []Checkpoint, progress int) string {
	sorted := make([]Checkpoint, len(table))
	copy(sorted, table)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Progress < sorted[j].Progress })

	msg := ProcessingMessage
	for _, cp := range sorted {
		if cp.Progress > progress {
			break
		}
		msg = cp.Message
	}
	return msg
}
