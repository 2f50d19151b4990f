package notification

import "testing"

func withCapturedDelivery(t *testing.T) *[]string {
	t.Helper()
	var sent []string
	origDeliver, origEnabled := deliver, Enabled
	deliver = func(title, message string) error {
		sent = append(sent, title+": "+message)
		return nil
	}
	t.Cleanup(func() { deliver, Enabled = origDeliver, origEnabled })
	return &sent
}

func TestSend_RespectsEnabledGate(t *testing.T) {
	sent := withCapturedDelivery(t)

	Enabled = false
	if err := Send("Convoy", "quiet"); err != nil {
		t.Fatalf("Send() while disabled error = %v", err)
	}
	if len(*sent) != 0 {
		t.Fatalf("disabled Send delivered %d notification(s)", len(*sent))
	}

	Enabled = true
	if err := Send("Convoy", "loud"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(*sent) != 1 || (*sent)[0] != "Convoy: loud" {
		t.Errorf("delivered = %v, want [Convoy: loud]", *sent)
	}
}

func TestSessionMessages(t *testing.T) {
	sent := withCapturedDelivery(t)
	Enabled = true

	SessionReady("fix-bug")
	SessionMerged("fix-bug")
	SessionFailed("fix-bug")

	want := []string{
		"Convoy: fix-bug is ready for review",
		"Convoy: fix-bug was merged",
		"Convoy: fix-bug failed",
	}
	if len(*sent) != len(want) {
		t.Fatalf("delivered %d notification(s), want %d", len(*sent), len(want))
	}
	for i := range want {
		if (*sent)[i] != want[i] {
			t.Errorf("notification %d = %q, want %q", i, (*sent)[i], want[i])
		}
	}
}
