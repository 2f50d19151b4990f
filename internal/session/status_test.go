package session

import "testing"

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"new to in progress", StatusNew, StatusInProgress, true},
		{"new to rebasing", StatusNew, StatusRebasing, true},
		{"new to merging", StatusNew, StatusMerging, false},
		{"in progress to review", StatusInProgress, StatusReview, true},
		{"in progress to rebasing", StatusInProgress, StatusRebasing, true},
		{"in progress to done", StatusInProgress, StatusDone, false},
		{"review to in progress", StatusReview, StatusInProgress, true},
		{"review to queued", StatusReview, StatusQueued, true},
		{"review to rebasing", StatusReview, StatusRebasing, true},
		{"review to merging", StatusReview, StatusMerging, true},
		{"review to canceled", StatusReview, StatusCanceled, true},
		{"review to done", StatusReview, StatusDone, false},
		{"queued to merging", StatusQueued, StatusMerging, true},
		{"queued to review", StatusQueued, StatusReview, true},
		{"queued to rebasing", StatusQueued, StatusRebasing, false},
		{"rebasing to review", StatusRebasing, StatusReview, true},
		{"merging to done", StatusMerging, StatusDone, true},
		{"merging to review", StatusMerging, StatusReview, true},
		{"done is terminal", StatusDone, StatusReview, false},
		{"canceled is terminal", StatusCanceled, StatusInProgress, false},
		{"self transition", StatusReview, StatusReview, true},
		{"terminal self transition", StatusDone, StatusDone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{
		StatusNew, StatusInProgress, StatusReview, StatusQueued,
		StatusRebasing, StatusMerging, StatusDone, StatusCanceled,
	} {
		got, err := ParseStatus(string(s))
		if err != nil {
			t.Errorf("ParseStatus(%q) error = %v", s, err)
		}
		if got != s {
			t.Errorf("ParseStatus(%q) = %q", s, got)
		}
	}

	if _, err := ParseStatus("Paused"); err == nil {
		t.Error("ParseStatus(Paused) error = nil, want error")
	}
}

func TestPermissionMode_AtLeast(t *testing.T) {
	if got := PermissionDefault.AtLeast(PermissionAutoEdit); got != PermissionAutoEdit {
		t.Errorf("AtLeast = %v, want auto-edit", got)
	}
	if got := PermissionFull.AtLeast(PermissionAutoEdit); got != PermissionFull {
		t.Errorf("AtLeast = %v, want full", got)
	}
}
