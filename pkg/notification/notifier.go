// Package notification composes sanitization and delivery into the
// operator alerts the pipeline manager emits, currently only the
// pipeline-auto-disabled alert (a pipeline whose consecutive-failure
// count reached disable_at).
package notification

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/ridgeback/gatekeeper/pkg/notification/delivery"
	"github.com/ridgeback/gatekeeper/pkg/notification/sanitization"
)

// Notifier sends sanitized operator alerts.
type Notifier struct {
	sanitizer *sanitization.Sanitizer
	service   delivery.Service
	log       logr.Logger
}

// NewNotifier wires a sanitizer in front of the delivery service.
func NewNotifier(service delivery.Service, log logr.Logger) *Notifier {
	return &Notifier{
		sanitizer: sanitization.NewSanitizer(),
		service:   service,
		log:       log,
	}
}

// PipelineDisabled alerts that pipeline was auto-disabled after
// consecutiveFailures failures, quoting the last failure reasons. Reasons
// may embed content from job logs or commit messages and are sanitized;
// delivery failures are logged, never propagated (an alert must not take
// down a tick).
func (n *Notifier) PipelineDisabled(ctx context.Context, tenant, pipeline string, consecutiveFailures int, reasons []string) {
	body := fmt.Sprintf("Pipeline %s/%s disabled after %d consecutive failures.", tenant, pipeline, consecutiveFailures)
	for _, reason := range reasons {
		clean, err := n.sanitizer.SanitizeWithFallback(reason)
		if err != nil {
			n.log.Error(err, "sanitization degraded for disabled-pipeline alert", "pipeline", pipeline)
		}
		body += "\n- " + clean
	}
	subject := fmt.Sprintf("Pipeline disabled: %s/%s", tenant, pipeline)
	if err := n.service.Deliver(ctx, subject, body); err != nil {
		n.log.Error(err, "failed to deliver disabled-pipeline alert", "pipeline", pipeline)
	}
}
