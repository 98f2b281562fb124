package canonical

import (
	"strings"
	"testing"
)

func TestValidatorDecode(t *testing.T) {
	v := MustValidator()
	cases := []struct {
		name      string
		body      string
		wantItems int
		wantError bool
		wantIssue bool
	}{
		{name: "items", body: `{"items":[{"index":0,"url":"https://cdn.example.com/a.png","seed":42,"cost":0.002}]}`, wantItems: 1},
		{name: "item level error", body: `{"items":[{"index":0,"url":"https://x/a.png"},{"index":1,"error":{"message":"nsfw"}}]}`, wantItems: 2},
		{name: "report", body: `{"error":{"code":"invalidModel","message":"model not found"}}`, wantError: true},
		{name: "both shapes", body: `{"items":[{"index":0,"url":"https://x/a.png"}],"error":{"message":"x"}}`, wantIssue: true},
		{name: "empty items", body: `{"items":[]}`, wantIssue: true},
		{name: "item without url or error", body: `{"items":[{"index":0}]}`, wantIssue: true},
		{name: "wrong types", body: `{"items":[{"index":"zero","url":5}]}`, wantIssue: true},
		{name: "not json", body: `{"items":`, wantIssue: true},
		{name: "array root", body: `[1,2]`, wantIssue: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, issues := v.Decode([]byte(tc.body))
			if tc.wantIssue {
				if len(issues) == 0 {
					t.Fatalf("expected validation issues for %s", tc.body)
				}
				if payload != nil {
					t.Fatalf("payload should be nil when invalid")
				}
				return
			}
			if len(issues) > 0 {
				t.Fatalf("unexpected issues: %#v", issues)
			}
			if got := len(payload.PendingItems()); got != tc.wantItems {
				t.Fatalf("items = %d, want %d", got, tc.wantItems)
			}
			if tc.wantError && payload.Error == nil {
				t.Fatalf("expected provider report")
			}
		})
	}
}

func TestValidatorIssuesCarryInstancePath(t *testing.T) {
	v := MustValidator()
	_, issues := v.Decode([]byte(`{"items":[{"index":0,"url":"https://x/a.png","seed":"abc"}]}`))
	if len(issues) == 0 {
		t.Fatalf("expected issues")
	}
	found := false
	for _, issue := range issues {
		if strings.HasPrefix(issue.Path, "/items/0") {
			found = true
		}
		if issue.Message == "" {
			t.Fatalf("issue without message: %#v", issue)
		}
	}
	if !found {
		t.Fatalf("no issue located under /items/0: %#v", issues)
	}
}

func TestPendingItemsCarriesItemError(t *testing.T) {
	v := MustValidator()
	payload, issues := v.Decode([]byte(`{"items":[{"index":1,"error":{"code":"x","message":"blocked"}}]}`))
	if len(issues) > 0 {
		t.Fatalf("unexpected issues: %#v", issues)
	}
	items := payload.PendingItems()
	if len(items) != 1 || items[0].Error == nil || items[0].Error.Message != "blocked" {
		t.Fatalf("item error not carried: %#v", items)
	}
}
