package form

import "github.com/rbright/caseform/internal/template"

// ReconstructRepeatCounts derives repeat counters from stored leaf keys: for each
// repeatable section, max(observed index)+1 over keys `section.<digits>.*`, or 1
// when no key matches. Saved drafts carry no explicit counts.
func ReconstructRepeatCounts(tpl template.Template, values map[string]Value) map[string]int {
	counts := make(map[string]int)
	for _, section := range tpl.Sections {
		if !section.IsRepeatable {
			continue
		}
		count := 1
		for key := range values {
			idx, ok := instanceOf(key, section.ID)
			if !ok {
				continue
			}
			if idx+1 > count {
				count = idx + 1
			}
		}
		counts[section.ID] = count
	}
	return counts
}
