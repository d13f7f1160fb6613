package businessflow

import (
	"context"
	"fmt"

	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/utils"
	"github.com/google/uuid"
)

// ApprovedConsultantSource is the approval workflow as seen by campaign import.
// An empty id list means every approved consultant.
type ApprovedConsultantSource interface {
	ListApproved(ctx context.Context, uuids []uuid.UUID) ([]*models.Consultant, error)
}

// ResolveReport counts what happened to each input record
type ResolveReport struct {
	Input        int `json:"input"`
	Accepted     int `json:"accepted"`
	NotApproved  int `json:"not_approved"`
	InvalidPhone int `json:"invalid_phone"`
	Duplicates   int `json:"duplicates"`
}

// Skipped is every record that did not become a recipient
func (r ResolveReport) Skipped() int {
	return r.NotApproved + r.InvalidPhone + r.Duplicates
}

// RecipientResolver turns approved consultants into campaign recipients
type RecipientResolver struct {
	source ApprovedConsultantSource
}

func NewRecipientResolver(source ApprovedConsultantSource) *RecipientResolver {
	return &RecipientResolver{source: source}
}

// Resolve loads approved consultants (optionally restricted to ids) and resolves them
func (r *RecipientResolver) Resolve(ctx context.Context, ids []uuid.UUID) ([]models.Recipient, ResolveReport, error) {
	records, err := r.source.ListApproved(ctx, ids)
	if err != nil {
		return nil, ResolveReport{}, fmt.Errorf("failed to list approved consultants: %w", err)
	}
	recipients, report := ResolveRecipients(records)
	return recipients, report, nil
}

// ResolveRecipients keeps approved records with a usable phone and drops later records
// whose normalized phone was already seen. When two names share a number the first
// record in input order wins; the collision is counted, not reported.
func ResolveRecipients(records []*models.Consultant) ([]models.Recipient, ResolveReport) {
	report := ResolveReport{Input: len(records)}
	seen := make(map[string]struct{}, len(records))
	out := make([]models.Recipient, 0, len(records))

	for _, rec := range records {
		if rec == nil || !rec.IsApproved() {
			report.NotApproved++
			continue
		}
		phone := utils.NormalizePhone(rec.Phone)
		if !utils.IsValidPhone(phone) {
			report.InvalidPhone++
			continue
		}
		if _, dup := seen[phone]; dup {
			report.Duplicates++
			continue
		}
		seen[phone] = struct{}{}
		out = append(out, models.Recipient{
			ID:    rec.UUID.String(),
			Name:  rec.FullName,
			Phone: phone,
		})
	}

	report.Accepted = len(out)
	return out, report
}

// NormalizeRecipients canonicalizes operator-supplied recipients. Unlike consultant
// import, a malformed phone rejects the whole batch.
func NormalizeRecipients(in []models.Recipient) ([]models.Recipient, ResolveReport, error) {
	report := ResolveReport{Input: len(in)}
	seen := make(map[string]struct{}, len(in))
	out := make([]models.Recipient, 0, len(in))

	for i, rec := range in {
		phone := utils.NormalizePhone(rec.Phone)
		if !utils.IsValidPhone(phone) {
			return nil, report, fmt.Errorf("recipient %d (%q): %w", i, rec.Phone, ErrInvalidPhone)
		}
		if _, dup := seen[phone]; dup {
			report.Duplicates++
			continue
		}
		seen[phone] = struct{}{}
		rec.Phone = phone
		out = append(out, rec)
	}

	report.Accepted = len(out)
	return out, report, nil
}
