package memory

// selectEvictions returns the IDs of the turns to delete so the session fits
// the budget. turns must be ordered oldest first.
//
// Turns are visited newest first while keeping a running total of their
// sizes. Every turn whose running total exceeds budget is selected, including
// the one that first crosses it, so the retained window can end up smaller
// than strictly needed.
func selectEvictions(turns []Turn, budget int) []string {
	var ids []string
	running := 0
	for i := len(turns) - 1; i >= 0; i-- {
		running += turns[i].Size
		if running > budget {
			ids = append(ids, turns[i].ID)
		}
	}
	return ids
}
