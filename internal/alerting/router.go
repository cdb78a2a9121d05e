// Package alerting manages the alert lifecycle and fans alerts out to
// registered sinks.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
	"github.com/patchplane/patchplane/pkg/resilience"
)

// Sink delivers alerts to one destination. Delivery failures are isolated per
// sink; the router logs and moves on.
type Sink interface {
	// Kind identifies the sink (log, webhook, email, chat, pager).
	Kind() string

	// MinSeverity is the floor below which the sink is skipped.
	MinSeverity() models.AlertSeverity

	// Deliver sends one alert.
	Deliver(ctx context.Context, alert *models.Alert) error
}

// Router owns the alert list and sink registry. All state is guarded by one
// mutex; readers get snapshots. Each sink delivers behind its own circuit
// breaker so a dead endpoint stops being hammered on every alert.
type Router struct {
	mu       sync.Mutex
	alerts   []*models.Alert
	byID     map[uuid.UUID]*models.Alert
	sinks    map[string]Sink
	breakers *resilience.Registry
	logger   *logger.Logger
}

// NewRouter creates an empty router.
func NewRouter(log *logger.Logger) *Router {
	routerLog := log.WithComponent("alert-router")
	breakerConfig := resilience.DefaultBreakerConfig("sink")
	breakerConfig.OnStateChange = func(name string, from, to resilience.State) {
		routerLog.Warn("sink circuit breaker state changed",
			"sink", name,
			"from", from.String(),
			"to", to.String(),
		)
	}
	return &Router{
		byID:     make(map[uuid.UUID]*models.Alert),
		sinks:    make(map[string]Sink),
		breakers: resilience.NewRegistry(breakerConfig),
		logger:   routerLog,
	}
}

// AddSink registers a sink, replacing any sink of the same kind.
func (r *Router) AddSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[sink.Kind()] = sink
}

// RemoveSink unregisters the sink of the given kind.
func (r *Router) RemoveSink(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, kind)
}

// Create records a new alert and dispatches it to every sink whose floor the
// severity meets. The alert is returned as stored.
func (r *Router) Create(ctx context.Context, title, message string, severity models.AlertSeverity, deploymentID *uuid.UUID, metadata map[string]string) *models.Alert {
	alert := &models.Alert{
		ID:           uuid.New(),
		Severity:     string(severity),
		Title:        title,
		Message:      message,
		DeploymentID: deploymentID,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}

	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.byID[alert.ID] = alert
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.Unlock()

	r.dispatch(ctx, alert, sinks)

	r.logger.Info("alert created",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"title", alert.Title,
	)
	return alert
}

// dispatch delivers the alert to each eligible sink, isolating failures.
func (r *Router) dispatch(ctx context.Context, alert *models.Alert, sinks []Sink) {
	severity := models.AlertSeverity(alert.Severity)
	for _, sink := range sinks {
		if !severity.AtLeast(sink.MinSeverity()) {
			continue
		}
		err := r.breakers.Get(sink.Kind()).Do(ctx, func() error {
			return sink.Deliver(ctx, alert)
		})
		if err == nil {
			continue
		}
		var open *resilience.BreakerOpenError
		if errors.As(err, &open) {
			r.logger.Warn("sink suppressed while its circuit is open",
				"sink", sink.Kind(),
				"alert_id", alert.ID,
				"retry_after", open.RetryAfter(),
			)
			continue
		}
		r.logger.Error("sink delivery failed",
			"sink", sink.Kind(),
			"alert_id", alert.ID,
			"error", err,
		)
	}
}

// Ack marks an alert acknowledged. Acknowledging twice is a no-op.
func (r *Router) Ack(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if !alert.Acknowledged {
		now := time.Now()
		alert.Acknowledged = true
		alert.AcknowledgedAt = &now
	}
	return nil
}

// Resolve marks an alert resolved. Resolving twice yields the same state and
// produces no further notifications.
func (r *Router) Resolve(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if !alert.Resolved {
		now := time.Now()
		alert.Resolved = true
		alert.ResolvedAt = &now
	}
	return nil
}

// ResolveDeploymentAlerts resolves every active alert linked to a deployment.
// Used after a successful rollback clears the underlying condition.
func (r *Router) ResolveDeploymentAlerts(deploymentID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved := 0
	now := time.Now()
	for _, alert := range r.alerts {
		if alert.DeploymentID == nil || *alert.DeploymentID != deploymentID || alert.Resolved {
			continue
		}
		alert.Resolved = true
		alert.ResolvedAt = &now
		resolved++
	}
	return resolved
}

// ActiveAlerts returns unresolved alerts, newest first. A nil deploymentID
// matches all deployments; an empty minSeverity matches all severities.
func (r *Router) ActiveAlerts(deploymentID *uuid.UUID, minSeverity models.AlertSeverity) []*models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Alert
	for _, alert := range r.alerts {
		if !alert.Active() {
			continue
		}
		if deploymentID != nil && (alert.DeploymentID == nil || *alert.DeploymentID != *deploymentID) {
			continue
		}
		if !models.AlertSeverity(alert.Severity).AtLeast(minSeverity) {
			continue
		}
		copied := *alert
		out = append(out, &copied)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Summary aggregates alerts created within the window.
func (r *Router) Summary(window time.Duration) *models.AlertSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := &models.AlertSummary{
		BySeverity: make(map[string]int),
	}
	cutoff := time.Now().Add(-window)
	for _, alert := range r.alerts {
		if alert.CreatedAt.Before(cutoff) {
			continue
		}
		summary.Total++
		summary.BySeverity[alert.Severity]++
		if alert.Resolved {
			summary.Resolved++
		} else {
			summary.Active++
		}
	}
	return summary
}

// CountDeploymentAlerts counts alerts at or above minSeverity created for the
// deployment since the given time.
func (r *Router) CountDeploymentAlerts(deploymentID uuid.UUID, minSeverity models.AlertSeverity, since time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, alert := range r.alerts {
		if alert.DeploymentID == nil || *alert.DeploymentID != deploymentID {
			continue
		}
		if alert.CreatedAt.Before(since) {
			continue
		}
		if models.AlertSeverity(alert.Severity).AtLeast(minSeverity) {
			count++
		}
	}
	return count
}

// deploymentAlertTemplate maps a deployment alert type to its presentation.
type deploymentAlertTemplate struct {
	severity models.AlertSeverity
	title    string
	message  string
}

var deploymentAlertTemplates = map[models.DeploymentAlertType]deploymentAlertTemplate{
	models.DeploymentAlertStarted: {
		severity: models.AlertSeverityInfo,
		title:    "Deployment started",
		message:  "Deployment %s has started",
	},
	models.DeploymentAlertCompleted: {
		severity: models.AlertSeverityInfo,
		title:    "Deployment completed",
		message:  "Deployment %s completed successfully",
	},
	models.DeploymentAlertFailed: {
		severity: models.AlertSeverityError,
		title:    "Deployment failed",
		message:  "Deployment %s failed",
	},
	models.DeploymentAlertRollbackTriggered: {
		severity: models.AlertSeverityCritical,
		title:    "Rollback triggered",
		message:  "Automatic rollback triggered for deployment %s",
	},
	models.DeploymentAlertRollbackCompleted: {
		severity: models.AlertSeverityWarning,
		title:    "Rollback completed",
		message:  "Deployment %s was rolled back",
	},
	models.DeploymentAlertRollbackFailed: {
		severity: models.AlertSeverityCritical,
		title:    "Rollback failed",
		message:  "Rollback of deployment %s did not fully succeed",
	},
	models.DeploymentAlertHealthCheckFailed: {
		severity: models.AlertSeverityWarning,
		title:    "Health check failed",
		message:  "Post-deployment health check failed for deployment %s",
	},
}

// CreateDeploymentAlert creates a preformatted alert for a deployment
// lifecycle event. Detail, when non-empty, is appended to the message.
func (r *Router) CreateDeploymentAlert(ctx context.Context, deploymentID uuid.UUID, alertType models.DeploymentAlertType, detail string) *models.Alert {
	tmpl, ok := deploymentAlertTemplates[alertType]
	if !ok {
		tmpl = deploymentAlertTemplate{
			severity: models.AlertSeverityInfo,
			title:    "Deployment event",
			message:  "Deployment %s event",
		}
	}

	message := fmt.Sprintf(tmpl.message, deploymentID)
	if detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}

	id := deploymentID
	return r.Create(ctx, tmpl.title, message, tmpl.severity, &id, map[string]string{
		"type": string(alertType),
	})
}
