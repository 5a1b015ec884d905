package fhirpath

// adaptiveDistinct implements the distinctness used by the `|` operator and
// by distinct()/isDistinct()/intersect(): pairwise structural
// Equal for small or primitive-bearing collections (where FHIRPath's
// type-coercing equality rules genuinely matter), and a JSON-keyed hash set
// once a collection is large and made up entirely of complex elements
// (resource nodes, quantities-as-parts-of-larger-structures) where a cheap
// structural key is safe and pairwise comparison would be quadratic.
func adaptiveDistinct(c Collection) Collection {
	const smallThreshold = 6
	if len(c) <= smallThreshold || containsPrimitive(c) {
		return distinctByEqual(c)
	}
	return distinctByHash(c)
}

func containsPrimitive(c Collection) bool {
	for _, e := range c {
		switch e.(type) {
		case Boolean, String, Integer, Long, Decimal, Date, Time, DateTime, Quantity:
			return true
		}
	}
	return false
}

func distinctByEqual(c Collection) Collection {
	var out Collection
	for _, item := range c {
		if !collectionContainsEqual(out, item) {
			out = append(out, item)
		}
	}
	return out
}

func collectionContainsEqual(c Collection, item Element) bool {
	for _, o := range c {
		if eq, ok := item.Equal(o); ok && eq {
			return true
		}
	}
	return false
}

func distinctByHash(c Collection) Collection {
	seen := map[string]bool{}
	var out Collection
	for _, item := range c {
		b, err := item.MarshalJSON()
		if err != nil {
			if !collectionContainsEqual(out, item) {
				out = append(out, item)
			}
			continue
		}
		key := string(b)
		if !seen[key] {
			seen[key] = true
			out = append(out, item)
		}
	}
	return out
}

// intersect keeps every element of a also present in b, deduplicated.
func intersectCollections(a, b Collection) Collection {
	var out Collection
	for _, item := range adaptiveDistinct(a) {
		if b.Contains(item) {
			out = append(out, item)
		}
	}
	return out
}

// exclude keeps every element of a not present in b, without deduplicating.
func excludeCollection(a, b Collection) Collection {
	var out Collection
	for _, item := range a {
		if !b.Contains(item) {
			out = append(out, item)
		}
	}
	return out
}

func subsetOf(a, b Collection) bool {
	for _, item := range a {
		if !b.Contains(item) {
			return false
		}
	}
	return true
}

func isDistinctCollection(c Collection) bool {
	return len(adaptiveDistinct(c)) == len(c)
}
