package resolver

import (
	"github.com/ChuLiYu/sortline/pkg/types"
)

// DefaultLabel is used when neither a winning module nor a rejectable
// product group is present.
const DefaultLabel = "Extra"

var rejectGroups = map[string]string{
	"Book":       "Reject Book",
	"Music":      "Reject Music",
	"DVD":        "Reject DVD",
	"Video Game": "Reject Video Game",
}

// Label picks the sorting label for a lookup response.
func Label(resp *LookupResponse, fallback string) string {
	if fallback == "" {
		fallback = DefaultLabel
	}
	if resp == nil {
		return fallback
	}
	if resp.Winner != nil && resp.Winner.Module != "" {
		if resp.Winner.SubModule != "" {
			return resp.Winner.SubModule
		}
		return fallback
	}
	if resp.Meta != nil {
		if label, ok := rejectGroups[resp.Meta.ProductGroup]; ok {
			return label
		}
	}
	return fallback
}

// Decide maps a label onto a pusher. Unknown labels go to the lowest-priority
// pusher at that pusher's own trigger distance.
func Decide(table types.PusherTable, label string) types.Routing {
	if p, ok := table.ByLabel(label); ok {
		return types.Routing{PusherID: p.ID, Label: label, TriggerDistance: p.Distance}
	}
	if p, ok := table.LowestPriority(); ok {
		return types.Routing{PusherID: p.ID, Label: label, TriggerDistance: p.Distance}
	}
	return types.Routing{Label: label}
}

// DefaultRouting is the decision for barcodes the service does not know:
// lowest-priority pusher, zero trigger distance.
func DefaultRouting(table types.PusherTable, label string) types.Routing {
	if label == "" {
		label = DefaultLabel
	}
	r := types.Routing{Label: label}
	if p, ok := table.LowestPriority(); ok {
		r.PusherID = p.ID
	}
	return r
}
