package schema

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"id", "id"},
		{"test_table", "testTable"},
		{"___odd_name", "_3_oddName"},
		{"____four", "_3_four"},
		{"__two", "_2_two"},
		{"_one", "_1_one"},
		{"123abc", "_N_123abc"},
		{"9_lives", "_N_9Lives"},
		{"___foo bar", "_3_foo_bar"},
		{"first-name", "firstName"},
		{"a.b.c", "aBC"},
		{"Price ($)", "price_"},
		{"CreatedAt", "createdAt"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.raw); got != tt.want {
			t.Errorf("Normalize(%q) = %q; want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	inputs := []string{"___foo bar", "123abc", "weird-Col.name", "ünïcode_name"}
	for _, in := range inputs {
		first := Normalize(in)
		for i := 0; i < 5; i++ {
			if got := Normalize(in); got != first {
				t.Fatalf("Normalize(%q) changed between calls: %q vs %q", in, first, got)
			}
		}
	}
}

func TestNormalizePrefixRules(t *testing.T) {
	if got := Normalize("123abc"); !strings.HasPrefix(got, "_N_") {
		t.Fatalf("digit-leading name should get _N_: %q", got)
	}
	got := Normalize("___foo bar")
	if !strings.HasPrefix(got, "_3_") {
		t.Fatalf("triple underscore should get _3_: %q", got)
	}
	if !strings.Contains(got, "foo_bar") || strings.Contains(got, " ") {
		t.Fatalf("expected foo_bar without spaces: %q", got)
	}
	if got := Normalize("1_x"); strings.HasPrefix(got, "_1_") {
		t.Fatalf("digit rule must win over underscore rule: %q", got)
	}
}

func TestTableNames(t *testing.T) {
	tests := []struct {
		schema       string
		table        string
		ignore       bool
		camel, pasca string
	}{
		{"public", "test_table", false, "publicTestTable", "PublicTestTable"},
		{"public", "test_table", true, "testTable", "TestTable"},
		{"", "orders", false, "orders", "Orders"},
		{"sales", "order-items", false, "salesOrderItems", "SalesOrderItems"},
		{"main", "___odd", true, "odd", "Odd"},
	}
	for _, tt := range tests {
		camel, pascal := TableNames(tt.schema, tt.table, tt.ignore)
		if camel != tt.camel || pascal != tt.pasca {
			t.Errorf("TableNames(%q, %q, %v) = %q, %q; want %q, %q", tt.schema, tt.table, tt.ignore, camel, pascal, tt.camel, tt.pasca)
		}
	}
}

func TestCamelCaseKeepsSpaces(t *testing.T) {
	if got := CamelCase("__a_b c"); got != "AB c" {
		t.Fatalf("CamelCase = %q", got)
	}
}
