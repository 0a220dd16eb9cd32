package docstore

// Array mutations applied to a decoded field set. Backends that keep whole
// documents (memstore, sqlitestore) run these inside their write lock or
// transaction; the result is the new field value to persist.

// ApplyArrayUnion appends element to field unless a value-equal element exists.
// It reports whether fields changed.
func ApplyArrayUnion(fields map[string]any, field string, element Element) (bool, error) {
	arr, err := fieldArray(fields, field)
	if err != nil {
		return false, err
	}
	norm, err := NormalizeElement(element)
	if err != nil {
		return false, err
	}
	for _, e := range arr {
		if Equal(e, norm) {
			return false, nil
		}
	}
	fields[field] = elementsToAny(append(arr, norm))
	return true, nil
}

// ApplyArrayRemove removes every element value-equal to element.
func ApplyArrayRemove(fields map[string]any, field string, element Element) (int, error) {
	arr, err := fieldArray(fields, field)
	if err != nil {
		return 0, err
	}
	norm, err := NormalizeElement(element)
	if err != nil {
		return 0, err
	}
	kept := arr[:0]
	removed := 0
	for _, e := range arr {
		if Equal(e, norm) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		fields[field] = elementsToAny(kept)
	}
	return removed, nil
}

// ApplyOverwrite replaces field with elements.
func ApplyOverwrite(fields map[string]any, field string, elements []Element) error {
	out := make([]Element, 0, len(elements))
	for _, e := range elements {
		norm, err := NormalizeElement(e)
		if err != nil {
			return err
		}
		out = append(out, norm)
	}
	fields[field] = elementsToAny(out)
	return nil
}

// ApplyRemoveByKey removes the elements whose idField equals id.
func ApplyRemoveByKey(fields map[string]any, field, idField, id string) (int, error) {
	arr, err := fieldArray(fields, field)
	if err != nil {
		return 0, err
	}
	kept := arr[:0]
	removed := 0
	for _, e := range arr {
		if MatchesKey(e, idField, id) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		fields[field] = elementsToAny(kept)
	}
	return removed, nil
}

// ApplyUpdateByKey sets changes on the elements whose idField equals id.
func ApplyUpdateByKey(fields map[string]any, field, idField, id string, changes map[string]any) (int, error) {
	arr, err := fieldArray(fields, field)
	if err != nil {
		return 0, err
	}
	norm, err := Normalize(changes)
	if err != nil {
		return 0, err
	}
	matched := 0
	for _, e := range arr {
		if !MatchesKey(e, idField, id) {
			continue
		}
		for k, v := range norm {
			e[k] = v
		}
		matched++
	}
	if matched > 0 {
		fields[field] = elementsToAny(arr)
	}
	return matched, nil
}

// MatchesKey reports whether e[idField] is the string id.
func MatchesKey(e Element, idField, id string) bool {
	v, ok := e[idField].(string)
	return ok && v == id
}

func fieldArray(fields map[string]any, field string) ([]Element, error) {
	return Snapshot{Fields: fields}.Array(field)
}

func elementsToAny(elements []Element) []any {
	out := make([]any, len(elements))
	for i, e := range elements {
		out[i] = map[string]any(e)
	}
	return out
}
