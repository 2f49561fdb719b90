// Package notifier surfaces operator-attention events as desktop
// notifications
package notifier

import (
	"fmt"

	"github.com/gen2brain/beeep"

	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// OperatorNotifier sends desktop notifications for the events that need
// a human decision
type OperatorNotifier struct {
	enabled bool
	logger  logger.Logger
}

// Config represents notification configuration
type Config struct {
	Enabled bool
}

// New creates an operator notifier
func New(config Config, log logger.Logger) *OperatorNotifier {
	return &OperatorNotifier{
		enabled: config.Enabled,
		logger:  log,
	}
}

// NotifyCapBreach alerts that a task hit its hard resource ceiling
func (n *OperatorNotifier) NotifyCapBreach(taskID string, actual, cap int64) {
	if !n.enabled {
		return
	}
	title := "⛔ Cap Breached"
	message := fmt.Sprintf("Task %s consumed %d of cap %d and is blocked pending review", taskID, actual, cap)
	n.send(title, message)
}

// NotifyScopeMismatch alerts that a task touched resources outside its
// declared scope
func (n *OperatorNotifier) NotifyScopeMismatch(taskID string, undeclared types.TouchSet) {
	if !n.enabled {
		return
	}
	title := "⚠️ Scope Mismatch"
	message := fmt.Sprintf("Task %s touched undeclared resources %v; merge deferred for review", taskID, []string(undeclared))
	n.send(title, message)
}

// NotifyPhaseCompleted reports a phase finishing integration
func (n *OperatorNotifier) NotifyPhaseCompleted(phaseIndex, mergedTasks int) {
	if !n.enabled {
		return
	}
	title := "🧭 Phase Completed"
	message := fmt.Sprintf("Phase %d integrated %d task(s)", phaseIndex, mergedTasks)
	n.send(title, message)
}

func (n *OperatorNotifier) send(title, message string) {
	if err := beeep.Notify(title, message, ""); err != nil {
		if n.logger != nil {
			n.logger.Debug("Failed to send notification",
				logger.WithField("title", title),
				logger.WithField("error", err))
		}
	}
}
