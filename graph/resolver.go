package graph

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmdatafocus/procuresight_backend/alerts"
	"github.com/mmdatafocus/procuresight_backend/middlewares"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

const (
	defaultAlertPage = 50
	maxAlertPage     = 100
)

// Resolver carries the stores and the alert sink the query and mutation
// fields read from.
type Resolver struct {
	Stores    models.Stores
	Sink      *alerts.Sink
	Publisher alerts.EventPublisher
	Tracer    trace.Tracer
}

type AlertsArgs struct {
	Status   models.AlertStatus
	Severity models.AlertSeverity
	Type     models.AlertType
	First    *int
	After    string
}

type InvoicesArgs struct {
	VendorId    int
	Status      models.InvoiceStatus
	NeedsReview *bool
	First       *int
	After       string
}

func (r *Resolver) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return otel.Tracer("procuresight/graph")
}

func orgFrom(ctx context.Context) (string, error) {
	org, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || org == "" {
		return "", errMissingOrg
	}
	return org, nil
}

func pageSize(first *int, def, limit int) (int, error) {
	if first == nil {
		return def, nil
	}
	if *first < 1 || *first > limit {
		return 0, fmt.Errorf("%w: first must be between 1 and %d", errBadInput, limit)
	}
	return *first, nil
}

func (r *Resolver) Alerts(ctx context.Context, args AlertsArgs) ([]models.Alert, *models.PageInfo, error) {
	ctx, span := r.tracer().Start(ctx, "graph.alerts")
	defer span.End()

	org, err := orgFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	limit, err := pageSize(args.First, defaultAlertPage, maxAlertPage)
	if err != nil {
		return nil, nil, err
	}
	list, page, err := r.Stores.Alerts.ListAlerts(ctx, models.AlertFilter{
		OrgId:    org,
		Status:   args.Status,
		Severity: args.Severity,
		Type:     args.Type,
		Limit:    limit,
		After:    args.After,
	})
	if err != nil {
		return nil, nil, err
	}
	fillAlertVendors(ctx, list)
	return list, page, nil
}

// Alert returns nil without an error when the alert is not visible to the org.
func (r *Resolver) Alert(ctx context.Context, id int) (*models.Alert, error) {
	ctx, span := r.tracer().Start(ctx, "graph.alert", trace.WithAttributes(attribute.Int("alert_id", id)))
	defer span.End()

	org, err := orgFrom(ctx)
	if err != nil {
		return nil, err
	}
	a, err := r.Stores.Alerts.GetAlert(ctx, org, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	one := []models.Alert{*a}
	fillAlertVendors(ctx, one)
	return &one[0], nil
}

func (r *Resolver) Invoices(ctx context.Context, args InvoicesArgs) ([]models.Invoice, *models.PageInfo, error) {
	ctx, span := r.tracer().Start(ctx, "graph.invoices")
	defer span.End()

	org, err := orgFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	limit, err := pageSize(args.First, models.DefaultPageSize, models.MaxPageSize)
	if err != nil {
		return nil, nil, err
	}
	list, page, err := r.Stores.Invoices.ListInvoices(ctx, models.InvoiceFilter{
		OrgId:       org,
		VendorId:    args.VendorId,
		Status:      args.Status,
		NeedsReview: args.NeedsReview,
		Limit:       limit,
		After:       args.After,
	})
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int, 0, len(list))
	for _, inv := range list {
		ids = append(ids, inv.VendorId)
	}
	names := middlewares.VendorNames(ctx, ids)
	for i := range list {
		if name, ok := names[list[i].VendorId]; ok {
			list[i].VendorName = name
		}
	}
	return list, page, nil
}

func (r *Resolver) Invoice(ctx context.Context, id int) (*models.Invoice, error) {
	ctx, span := r.tracer().Start(ctx, "graph.invoice", trace.WithAttributes(attribute.Int("invoice_id", id)))
	defer span.End()

	org, err := orgFrom(ctx)
	if err != nil {
		return nil, err
	}
	inv, err := r.Stores.Invoices.GetInvoice(ctx, org, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	return inv, err
}

// UpdateAlert moves an open alert to a terminal status and publishes the
// change on the org's event stream.
func (r *Resolver) UpdateAlert(ctx context.Context, id int, status models.AlertStatus) (*models.Alert, error) {
	ctx, span := r.tracer().Start(ctx, "graph.updateAlert", trace.WithAttributes(
		attribute.Int("alert_id", id),
		attribute.String("status", string(status)),
	))
	defer span.End()

	org, err := orgFrom(ctx)
	if err != nil {
		return nil, err
	}
	actor, _ := utils.GetActorIdFromContext(ctx)
	updated, err := r.Sink.Transition(ctx, org, id, status, actor)
	if err != nil {
		return nil, err
	}
	if r.Publisher != nil {
		if err := r.Publisher.Publish(ctx, org, alerts.EventAlertUpdated, updated); err != nil {
			span.RecordError(err)
		}
	}
	return updated, nil
}

func fillAlertVendors(ctx context.Context, list []models.Alert) {
	ids := make([]int, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.VendorId)
	}
	names := middlewares.VendorNames(ctx, ids)
	for i := range list {
		if name, ok := names[list[i].VendorId]; ok {
			list[i].VendorName = name
		}
	}
}
