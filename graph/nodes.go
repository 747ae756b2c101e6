package graph

import (
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/mmdatafocus/procuresight_backend/models"
)

// node is a resolved object. Field values are a graphql.Marshaler for
// leaves, a node or []node for objects, or nil for null.
type node struct {
	typename string
	fields   map[string]any
}

func project(opCtx *graphql.OperationContext, v any, sel ast.SelectionSet) graphql.Marshaler {
	switch v := v.(type) {
	case nil:
		return graphql.Null
	case node:
		out := &object{}
		for _, f := range graphql.CollectFields(opCtx, sel, []string{v.typename}) {
			if f.Name == "__typename" {
				out.add(f.Alias, graphql.MarshalString(v.typename))
				continue
			}
			out.add(f.Alias, project(opCtx, v.fields[f.Name], f.Selections))
		}
		return out
	case []node:
		arr := make(graphql.Array, 0, len(v))
		for _, n := range v {
			arr = append(arr, project(opCtx, n, sel))
		}
		return arr
	case graphql.Marshaler:
		return v
	}
	return graphql.Null
}

func optString(s *string) any {
	if s == nil {
		return nil
	}
	return graphql.MarshalString(*s)
}

func optInt(i *int) any {
	if i == nil {
		return nil
	}
	return graphql.MarshalInt(*i)
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return graphql.MarshalTime(t.UTC())
}

func alertNode(a models.Alert) node {
	return node{typename: "Alert", fields: map[string]any{
		"id":             graphql.MarshalInt(a.ID),
		"invoiceId":      graphql.MarshalInt(a.InvoiceId),
		"vendorId":       graphql.MarshalInt(a.VendorId),
		"vendor":         graphql.MarshalString(a.VendorName),
		"invoiceNo":      graphql.MarshalString(a.InvoiceNo),
		"type":           graphql.MarshalString(string(a.Type)),
		"severity":       graphql.MarshalString(string(a.Severity)),
		"score":          graphql.MarshalFloat(a.Score),
		"message":        graphql.MarshalString(a.Message),
		"status":         graphql.MarshalString(string(a.Status)),
		"acknowledgedBy": optString(a.AcknowledgedBy),
		"acknowledgedAt": optTime(a.AcknowledgedAt),
		"createdAt":      graphql.MarshalTime(a.CreatedAt.UTC()),
		"updatedAt":      graphql.MarshalTime(a.UpdatedAt.UTC()),
	}}
}

func invoiceNode(inv models.Invoice) node {
	lines := make([]node, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		var sku any
		if l.Sku != "" {
			sku = graphql.MarshalString(l.Sku)
		}
		lines = append(lines, node{typename: "InvoiceLine", fields: map[string]any{
			"position":  graphql.MarshalInt(l.Position),
			"sku":       sku,
			"desc":      graphql.MarshalString(l.Description),
			"qty":       MarshalDecimal(l.Quantity),
			"unitPrice": MarshalDecimal(l.UnitPrice),
			"lineTotal": MarshalDecimal(l.LineTotal),
		}})
	}
	return node{typename: "Invoice", fields: map[string]any{
		"id":           graphql.MarshalInt(inv.ID),
		"vendorId":     graphql.MarshalInt(inv.VendorId),
		"vendor":       graphql.MarshalString(inv.VendorName),
		"invoiceNo":    graphql.MarshalString(inv.InvoiceNo),
		"duplicateSeq": graphql.MarshalInt(inv.DuplicateSeq),
		"duplicateOf":  optInt(inv.DuplicateOf),
		"invoiceDate":  graphql.MarshalTime(inv.InvoiceDate.UTC()),
		"dueDate":      optTime(inv.DueDate),
		"currency":     graphql.MarshalString(inv.Currency),
		"subtotal":     MarshalDecimal(inv.Subtotal),
		"tax":          MarshalDecimal(inv.Tax),
		"total":        MarshalDecimal(inv.Total),
		"status":       graphql.MarshalString(string(inv.Status)),
		"needsReview":  graphql.MarshalBoolean(inv.NeedsReview),
		"confidence":   graphql.MarshalFloat(inv.Confidence),
		"lines":        lines,
		"createdAt":    graphql.MarshalTime(inv.CreatedAt.UTC()),
	}}
}

func connectionNode(typename string, edges []node, page *models.PageInfo) node {
	if page == nil {
		page = &models.PageInfo{}
	}
	return node{typename: typename, fields: map[string]any{
		"edges": edges,
		"pageInfo": node{typename: "PageInfo", fields: map[string]any{
			"startCursor": graphql.MarshalString(page.StartCursor),
			"endCursor":   graphql.MarshalString(page.EndCursor),
			"hasNextPage": graphql.MarshalBoolean(page.HasNextPage),
		}},
	}}
}
