package docstore

import (
	"errors"
	"testing"
)

func fieldsWith(elements ...Element) map[string]any {
	arr := make([]any, len(elements))
	for i, e := range elements {
		arr[i] = map[string]any(e)
	}
	return map[string]any{"tasks": arr}
}

func mustArray(t *testing.T, fields map[string]any) []Element {
	t.Helper()
	arr, err := Snapshot{Fields: fields}.Array("tasks")
	if err != nil {
		t.Fatalf("Array() failed: %v", err)
	}
	return arr
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Element
		want bool
	}{
		{"same", Element{"id": "1", "n": 1}, Element{"id": "1", "n": 1}, true},
		{"key order irrelevant", Element{"a": 1, "b": 2}, Element{"b": 2, "a": 1}, true},
		{"int vs float", Element{"n": 1}, Element{"n": 1.0}, true},
		{"different value", Element{"done": false}, Element{"done": true}, false},
		{"extra key", Element{"id": "1"}, Element{"id": "1", "x": nil}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSnapshot_Array(t *testing.T) {
	if arr, err := (Snapshot{}).Array("tasks"); err != nil || len(arr) != 0 {
		t.Errorf("missing field = %v, %v; want empty", arr, err)
	}
	if _, err := (Snapshot{Fields: map[string]any{"tasks": "nope"}}).Array("tasks"); !errors.Is(err, ErrFieldType) {
		t.Errorf("string field error = %v, want ErrFieldType", err)
	}
	if _, err := (Snapshot{Fields: map[string]any{"tasks": []any{1}}}).Array("tasks"); !errors.Is(err, ErrFieldType) {
		t.Errorf("array of numbers error = %v, want ErrFieldType", err)
	}
}

func TestApplyArrayUnion(t *testing.T) {
	fields := fieldsWith(Element{"id": "1"})

	changed, err := ApplyArrayUnion(fields, "tasks", Element{"id": "1"})
	if err != nil || changed {
		t.Fatalf("union of existing value = %v, %v; want no change", changed, err)
	}

	changed, err = ApplyArrayUnion(fields, "tasks", Element{"id": "2"})
	if err != nil || !changed {
		t.Fatalf("union of new value = %v, %v", changed, err)
	}
	if arr := mustArray(t, fields); len(arr) != 2 || arr[1]["id"] != "2" {
		t.Errorf("array = %v", arr)
	}

	// A missing field is created.
	empty := map[string]any{}
	if changed, err := ApplyArrayUnion(empty, "tasks", Element{"id": "1"}); err != nil || !changed {
		t.Fatalf("union into missing field = %v, %v", changed, err)
	}
	if arr := mustArray(t, empty); len(arr) != 1 {
		t.Errorf("array = %v", arr)
	}
}

func TestApplyArrayRemove(t *testing.T) {
	fields := fieldsWith(
		Element{"id": "1", "done": false},
		Element{"id": "2", "done": false},
	)

	n, err := ApplyArrayRemove(fields, "tasks", Element{"id": "1", "done": true})
	if err != nil || n != 0 {
		t.Fatalf("remove of stale value = %d, %v; want 0", n, err)
	}
	if arr := mustArray(t, fields); len(arr) != 2 {
		t.Fatalf("stale remove changed the array: %v", arr)
	}

	n, err = ApplyArrayRemove(fields, "tasks", Element{"done": false, "id": "1"})
	if err != nil || n != 1 {
		t.Fatalf("remove = %d, %v; want 1", n, err)
	}
	if arr := mustArray(t, fields); len(arr) != 1 || arr[0]["id"] != "2" {
		t.Errorf("array = %v", arr)
	}
}

func TestApplyOverwrite(t *testing.T) {
	fields := fieldsWith(Element{"id": "1"})
	if err := ApplyOverwrite(fields, "tasks", []Element{{"id": "a"}, {"id": "b"}}); err != nil {
		t.Fatal(err)
	}
	arr := mustArray(t, fields)
	if len(arr) != 2 || arr[0]["id"] != "a" || arr[1]["id"] != "b" {
		t.Errorf("array = %v", arr)
	}
}

func TestApplyByKey(t *testing.T) {
	fields := fieldsWith(
		Element{"id": "1", "description": "one", "completed": false},
		Element{"id": "2", "description": "two", "completed": false},
	)

	n, err := ApplyUpdateByKey(fields, "tasks", "id", "2", map[string]any{"completed": true})
	if err != nil || n != 1 {
		t.Fatalf("UpdateByKey = %d, %v", n, err)
	}
	arr := mustArray(t, fields)
	if arr[1]["completed"] != true || arr[1]["description"] != "two" {
		t.Errorf("updated element = %v", arr[1])
	}
	if arr[0]["completed"] != false {
		t.Errorf("other element changed: %v", arr[0])
	}

	if n, _ := ApplyUpdateByKey(fields, "tasks", "id", "9", map[string]any{"completed": true}); n != 0 {
		t.Errorf("UpdateByKey(unknown) = %d", n)
	}

	n, err = ApplyRemoveByKey(fields, "tasks", "id", "1")
	if err != nil || n != 1 {
		t.Fatalf("RemoveByKey = %d, %v", n, err)
	}
	if n, _ := ApplyRemoveByKey(fields, "tasks", "id", "1"); n != 0 {
		t.Errorf("second RemoveByKey = %d", n)
	}
	if arr := mustArray(t, fields); len(arr) != 1 || arr[0]["id"] != "2" {
		t.Errorf("array = %v", arr)
	}
}

func TestMatchesKey(t *testing.T) {
	if !MatchesKey(Element{"id": "x"}, "id", "x") {
		t.Error("expected match")
	}
	if MatchesKey(Element{"id": 1}, "id", "1") {
		t.Error("non-string ids never match")
	}
}

func TestNormalize_Copies(t *testing.T) {
	inner := map[string]any{"id": "1"}
	src := map[string]any{"tasks": []any{inner}}

	out, err := Normalize(src)
	if err != nil {
		t.Fatal(err)
	}
	out["tasks"].([]any)[0].(map[string]any)["id"] = "changed"
	if inner["id"] != "1" {
		t.Error("Normalize shares memory with its input")
	}

	if out, err := Normalize(nil); err != nil || out == nil {
		t.Errorf("Normalize(nil) = %v, %v", out, err)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrUnavailable) {
		t.Error("ErrUnavailable should be retryable")
	}
	if IsRetryable(ErrNotFound) || IsRetryable(nil) {
		t.Error("unexpected retryable")
	}
}
