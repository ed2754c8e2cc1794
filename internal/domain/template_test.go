package domain

import "testing"

func TestRenderTemplateSubstitutesName(t *testing.T) {
	lead := &Lead{Name: "Alex"}
	got := RenderTemplate("Hi {name}, our price list is attached.", lead)
	want := "Hi Alex, our price list is attached."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRenderTemplateKeepsUnknownPlaceholders(t *testing.T) {
	lead := &Lead{Name: "Alex"}
	got := RenderTemplate("Hi {nmae}", lead)
	if got != "Hi {nmae}" {
		t.Fatalf("unknown placeholder should stay intact, got %q", got)
	}
}

func TestAppendBookingLink(t *testing.T) {
	got := AppendBookingLink("See you soon", "https://book.example.com/demo")
	if got != "See you soon\n\nBook a time here: https://book.example.com/demo" {
		t.Fatalf("unexpected CTA output: %q", got)
	}
	if AppendBookingLink("See you soon", " ") != "See you soon" {
		t.Fatal("blank URL should leave text unchanged")
	}
}

func TestContainsKeyword(t *testing.T) {
	keywords := []string{"price", "info"}
	if !ContainsKeyword("what's the PRICE?", keywords) {
		t.Fatal("expected case-insensitive substring match")
	}
	if ContainsKeyword("hello there", keywords) {
		t.Fatal("expected no match")
	}
	if ContainsKeyword("anything", []string{"", "  "}) {
		t.Fatal("empty keywords must never match")
	}
}
