package deal

import (
	"strings"
	"time"
)

// applyPatch returns the patched deal, the per-field changes, and the change
// type the revision should carry. A stage move outranks a status move, which
// outranks a plain update. No changes means nothing to record.
func applyPatch(d Deal, p Patch) (Deal, map[string]any, ChangeType) {
	changes := map[string]any{}
	next := d

	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title != d.Title {
			changes["title"] = FieldChange{From: d.Title, To: title}
			next.Title = title
		}
	}
	diffString(changes, "description", &next.Description, p.Description)
	diffString(changes, "propertyAddress", &next.PropertyAddress, p.PropertyAddress)
	diffString(changes, "propertyType", &next.PropertyType, p.PropertyType)
	diffFloat(changes, "listPrice", &next.ListPrice, p.ListPrice)
	diffFloat(changes, "offerPrice", &next.OfferPrice, p.OfferPrice)
	diffTime(changes, "targetCloseDate", &next.TargetCloseDate, p.TargetCloseDate)
	diffTime(changes, "actualCloseDate", &next.ActualCloseDate, p.ActualCloseDate)

	statusChanged := p.Status != nil && *p.Status != d.Status
	if statusChanged {
		changes["status"] = FieldChange{From: d.Status, To: *p.Status}
		next.Status = *p.Status
	}
	stageChanged := p.Stage != nil && *p.Stage != d.Stage
	if stageChanged {
		changes["stage"] = FieldChange{From: d.Stage, To: *p.Stage}
		next.Stage = *p.Stage
	}

	switch {
	case len(changes) == 0:
		return d, nil, ""
	case stageChanged:
		changes["previousStage"] = d.Stage
		changes["newStage"] = next.Stage
		return next, changes, ChangeStage
	case statusChanged:
		changes["previousStatus"] = d.Status
		changes["newStatus"] = next.Status
		return next, changes, ChangeStatus
	default:
		return next, changes, ChangeUpdated
	}
}

func diffString(changes map[string]any, field string, cur **string, in *string) {
	if in == nil {
		return
	}
	v := strings.TrimSpace(*in)
	var next *string
	if v != "" {
		next = &v
	}
	if equalPtr(*cur, next) {
		return
	}
	changes[field] = FieldChange{From: deref(*cur), To: deref(next)}
	*cur = next
}

func diffFloat(changes map[string]any, field string, cur **float64, in *float64) {
	if in == nil || equalPtr(*cur, in) {
		return
	}
	v := *in
	changes[field] = FieldChange{From: deref(*cur), To: v}
	*cur = &v
}

func diffTime(changes map[string]any, field string, cur **time.Time, in *time.Time) {
	if in == nil {
		return
	}
	if *cur != nil && (*cur).Equal(*in) {
		return
	}
	v := in.UTC()
	changes[field] = FieldChange{From: deref(*cur), To: v}
	*cur = &v
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func validatePatch(p Patch) error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return ErrTitleRequired
	}
	if p.Status != nil && !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.Stage != nil && !p.Stage.Valid() {
		return ErrInvalidStage
	}
	if (p.ListPrice != nil && *p.ListPrice < 0) || (p.OfferPrice != nil && *p.OfferPrice < 0) {
		return ErrInvalidPrice
	}
	return nil
}
