// Package notification provides cross-platform desktop notifications.
// It uses the beeep library to send notifications on macOS, Linux, and Windows.
package notification

import (
	"github.com/gen2brain/beeep"

	"github.com/zhubert/convoy/internal/logger"
)

// Enabled gates all notification delivery; it is set once at startup from
// config.
var Enabled = true

// deliver is a seam over beeep for tests.
var deliver = func(title, message string) error {
	// Empty icon lets beeep pick the platform default.
	return beeep.Notify(title, message, "")
}

// Send sends a desktop notification with the given title and message.
func Send(title, message string) error {
	if !Enabled {
		return nil
	}
	logger.Debug("Notification: title=%q, message=%q", title, message)
	err := deliver(title, message)
	if err != nil {
		logger.Debug("Notification: delivery failed: %v", err)
	}
	return err
}

// SessionReady announces that a session finished its turn and is ready for
// review.
func SessionReady(sessionName string) error {
	return Send("Convoy", sessionName+" is ready for review")
}

// SessionMerged announces that a session branch was merged.
func SessionMerged(sessionName string) error {
	return Send("Convoy", sessionName+" was merged")
}

// SessionFailed announces a failed session command.
func SessionFailed(sessionName string) error {
	return Send("Convoy", sessionName+" failed")
}
