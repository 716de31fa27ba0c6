package infrastructure

import (
	"fmt"
	"os/exec"

	"github.com/langliu/video-downloader/internal/domain"
	"go.uber.org/zap"
)

// NotificationService handles sending notifications
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		config: config,
		logger: logger,
	}
}

// Send sends a notification
func (n *NotificationService) Send(title, message string) error {
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	switch n.config.Method {
	case "osascript":
		return n.sendOSAScript(title, message)
	case "notify-send":
		return n.sendNotifySend(title, message)
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}
}

// sendOSAScript sends notification using macOS osascript
func (n *NotificationService) sendOSAScript(title, message string) error {
	script := fmt.Sprintf(`display notification %q with title %q`, message, title)
	cmd := exec.Command("osascript", "-e", script)

	if err := cmd.Run(); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", "osascript"),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))

	return nil
}

// sendNotifySend sends notification using Linux notify-send
func (n *NotificationService) sendNotifySend(title, message string) error {
	cmd := exec.Command("notify-send", title, message)

	if err := cmd.Run(); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", "notify-send"),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))

	return nil
}

// NotifyBatchCompleted sends notification when a batch download settles
func (n *NotificationService) NotifyBatchCompleted(succeeded, failed int) {
	title := "Batch Completed"
	message := fmt.Sprintf("%d downloaded, %d failed", succeeded, failed)
	if failed == 0 {
		message = fmt.Sprintf("All %d downloads completed", succeeded)
	}
	n.Send(title, message)
}

// NotifyJobFailed sends notification when a queue job exhausts its attempts
func (n *NotificationService) NotifyJobFailed(sourceURL string, err error) {
	title := "Download Failed"
	message := fmt.Sprintf("Failed: %s", truncateString(sourceURL, 30))
	if err != nil {
		message = fmt.Sprintf("%s (%s)", message, truncateString(err.Error(), 60))
	}
	n.Send(title, message)
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

