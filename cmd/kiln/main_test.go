package main

import "testing"

func TestParseIssueRef(t *testing.T) {
	ref, err := parseIssueRef("github.com/acme/widgets#42")
	if err != nil {
		t.Fatalf("parseIssueRef: %v", err)
	}
	if ref.Host != "github.com" || ref.Owner != "acme" || ref.Repo != "widgets" || ref.Number != 42 {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestParseIssueRef_RoundTripsString(t *testing.T) {
	want := "ghes.acme.internal/acme/widgets#7"
	ref, err := parseIssueRef(want)
	if err != nil {
		t.Fatalf("parseIssueRef: %v", err)
	}
	if got := ref.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseIssueRef_MissingNumber(t *testing.T) {
	if _, err := parseIssueRef("github.com/acme/widgets"); err == nil {
		t.Fatal("expected error for missing issue number")
	}
}

func TestParseIssueRef_MissingSegment(t *testing.T) {
	if _, err := parseIssueRef("acme/widgets#7"); err == nil {
		t.Fatal("expected error for missing host segment")
	}
}

func TestParseIssueRef_NonNumericNumber(t *testing.T) {
	if _, err := parseIssueRef("github.com/acme/widgets#abc"); err == nil {
		t.Fatal("expected error for non-numeric issue number")
	}
}
