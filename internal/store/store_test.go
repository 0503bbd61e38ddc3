package store

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMergeOpenedPinboards(t *testing.T) {
	tests := []struct {
		name      string
		existing  []string
		additions []string
		maxLen    int
		want      []string
	}{
		{"append to empty", nil, []string{"a"}, 5, []string{"a"}},
		{"repeat moves to end", []string{"a", "b", "c"}, []string{"a"}, 5, []string{"b", "c", "a"}},
		{"duplicates in input collapse", []string{"a"}, []string{"b", "b", ""}, 5, []string{"a", "b"}},
		{"trims oldest", []string{"a", "b", "c"}, []string{"d", "e"}, 3, []string{"c", "d", "e"}},
		{"no limit", []string{"a"}, []string{"b"}, 0, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeOpenedPinboards(tt.existing, tt.additions, tt.maxLen)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeTextArray(t *testing.T) {
	for _, raw := range []string{"", "null", "[]"} {
		values, err := decodeTextArray(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if values == nil || len(values) != 0 {
			t.Fatalf("decode %q: expected empty non-nil slice, got %#v", raw, values)
		}
	}

	values, err := decodeTextArray(`["a@x.com","b@x.com"]`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(values, []string{"a@x.com", "b@x.com"}) {
		t.Fatalf("unexpected values %v", values)
	}

	if _, err := decodeTextArray(`{oops`); err == nil {
		t.Fatal("expected error for malformed input")
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Fatalf("unexpected escape %q", got)
	}
}

func TestNullableJSON(t *testing.T) {
	if nullableJSON(nil) != nil || nullableJSON(json.RawMessage("null")) != nil {
		t.Fatal("expected nil for empty payloads")
	}
	if got := nullableJSON(json.RawMessage(`{"a":1}`)); got != `{"a":1}` {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestUserDisplayName(t *testing.T) {
	tests := []struct {
		user User
		want string
	}{
		{User{Email: "ann@x.com", FirstName: "Ann", LastName: "Lee"}, "Ann Lee"},
		{User{Email: "ann@x.com", FirstName: "Ann"}, "Ann"},
		{User{Email: "ann@x.com"}, "ann"},
	}
	for _, tt := range tests {
		if got := tt.user.DisplayName(); got != tt.want {
			t.Errorf("DisplayName() = %q, want %q", got, tt.want)
		}
	}
}
