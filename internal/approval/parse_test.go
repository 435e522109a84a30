package approval

import "testing"

func TestParseApprovalText(t *testing.T) {
	cases := []struct {
		text   string
		ok     bool
		allow  bool
		reason string
		timer  string
	}{
		{"allow", true, true, "", ""},
		{"approve", true, true, "", ""},
		{"yes", true, true, "", ""},
		{"proceed", true, true, "", ""},
		{"OK", true, true, "", ""},
		{"cancel", true, false, "", ""},
		{"abort", true, false, "", ""},
		{"allow all", true, true, "", TimerAll},
		{"Allow All", true, true, "", TimerAll},
		{"allow dir", true, true, "", TimerDir},
		{"allow Bash", true, true, "", "Bash"},
		{"allow   WebFetch", true, true, "", "WebFetch"},
		{"deny", true, false, "", ""},
		{"no", true, false, "", ""},
		{"deny: too risky", true, false, "too risky", ""},
		{"reject:   ", true, false, "", ""},
		{"no: wrong branch", true, false, "wrong branch", ""},
		{"deny this touches prod", true, false, "this touches prod", ""},
		{"reject bad idea", true, false, "bad idea", ""},
		{"banana", false, false, "", ""},
		{"what does this do?", false, false, "", ""},
		{"", false, false, "", ""},
	}

	for _, tc := range cases {
		got, ok := ParseApprovalText(tc.text)
		if ok != tc.ok {
			t.Errorf("parse(%q) matched=%v, want %v", tc.text, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if got.Allow != tc.allow || got.Reason != tc.reason || got.Timer != tc.timer {
			t.Errorf("parse(%q) = %+v, want allow=%v reason=%q timer=%q",
				tc.text, got, tc.allow, tc.reason, tc.timer)
		}
	}
}

func TestParseApprovalTextTimerPreservesCase(t *testing.T) {
	got, ok := ParseApprovalText("ALLOW Bash")
	if !ok || !got.Allow || got.Timer != "Bash" {
		t.Fatalf("got %+v, %v", got, ok)
	}
}

func TestMatchChoiceText(t *testing.T) {
	options := []string{"Staging", "Production", "Dry run"}

	cases := []struct {
		text string
		want string
		ok   bool
	}{
		{"1", "Staging", true},
		{"3", "Dry run", true},
		{"4", "", false},
		{"0", "", false},
		{"staging", "Staging", true},
		{"DRY RUN", "Dry run", true},
		{"prod", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := MatchChoiceText(tc.text, options)
		if ok != tc.ok || got != tc.want {
			t.Errorf("MatchChoiceText(%q) = %q, %v; want %q, %v", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}
