package model

// Categories is the fixed vocabulary curation may assign to a grant.
// LLM output outside this set is discarded; an empty result becomes [Other].
var Categories = []string{
	"Biomedical",
	"Computer Science",
	"Engineering",
	"Physical Sciences",
	"Social Sciences",
	"Environmental",
	"Education",
	"Arts & Humanities",
	"Economic Development",
	"Public Health",
	"Other",
}

// CategoryOther is the fallback category.
const CategoryOther = "Other"

// MaxCategories caps how many categories one grant may carry.
const MaxCategories = 5

var categorySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Categories))
	for _, c := range Categories {
		m[c] = struct{}{}
	}
	return m
}()

// ValidCategory reports whether c is a member of the fixed vocabulary.
func ValidCategory(c string) bool {
	_, ok := categorySet[c]
	return ok
}

// FilterCategories drops invalid members, caps the result at MaxCategories,
// and falls back to [Other] when nothing survives.
func FilterCategories(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		if ValidCategory(c) {
			out = append(out, c)
		}
		if len(out) == MaxCategories {
			break
		}
	}
	if len(out) == 0 {
		return []string{CategoryOther}
	}
	return out
}
