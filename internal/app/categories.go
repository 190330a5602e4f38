package app

// categoryIDs maps the classifier's category names to provider category ids.
// Names with several ids pick one at random for variety.
var categoryIDs = map[string][]int{
	"General Knowledge": {9},
	"Sports":            {21},
	"Geography":         {22},
	"History":           {23},
	"Entertainment":     {10, 11, 12, 13, 14, 16},
	"Science":           {17, 18, 19},
}

// CategoryNames lists the category names understood by PostQuestion.
func CategoryNames() []string {
	names := make([]string, 0, len(categoryIDs))
	for name := range categoryIDs {
		names = append(names, name)
	}
	return names
}

// categoryID returns the provider id for a category name, or 0 (any) when unknown.
func (e *Engine) categoryID(name string) int {
	ids, ok := categoryIDs[name]
	if !ok || len(ids) == 0 {
		return 0
	}
	if len(ids) == 1 {
		return ids[0]
	}
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return ids[e.rnd.Intn(len(ids))]
}
