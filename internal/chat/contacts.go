package chat

import (
	"context"
	"strings"

	"github.com/R3E-Network/chat_layer/internal/address"
	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/record"
)

// ListContacts returns the contacts of owner, oldest first.
func (s *Service) ListContacts(ctx context.Context, owner string) ([]record.Record, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, svcerrors.Validation("Missing owner")
	}
	res, err := s.db.From(query.Contacts).
		Select("*").
		Eq("owner_address", address.Normalize(owner)).
		Order("created_at", true).
		Execute(ctx)
	if err != nil {
		return nil, storeError("list contacts", err)
	}
	return res.Records, nil
}

// CreateContact adds a contact. An existing (owner, contact) pair is a
// Conflict.
func (s *Service) CreateContact(ctx context.Context, in ContactInput) (record.Record, error) {
	if !address.Valid(in.Owner) || !address.Valid(in.Contact) {
		return nil, svcerrors.Validation("Invalid body")
	}
	owner, contact := address.Normalize(in.Owner), address.Normalize(in.Contact)

	existing, err := s.db.From(query.Contacts).
		Count().
		Eq("owner_address", owner).
		Eq("contact_address", contact).
		Execute(ctx)
	if err != nil {
		return nil, storeError("find contact", err)
	}
	if existing.Count > 0 {
		return nil, svcerrors.Conflict("Duplicate", nil)
	}

	res, err := s.db.From(query.Contacts).Insert(map[string]interface{}{
		"owner_address":   owner,
		"contact_address": contact,
		"label":           cleanLabel(in.Label),
	}).Execute(ctx)
	if err != nil {
		if svcerrors.IsConflict(err) {
			return nil, svcerrors.Conflict("Duplicate", err)
		}
		return nil, storeError("insert contact", err)
	}
	return first(res), nil
}

// DeleteContact removes contact id when owner owns it.
func (s *Service) DeleteContact(ctx context.Context, id, owner string) error {
	if _, err := s.ownedContact(ctx, id, owner); err != nil {
		return err
	}
	if _, err := s.db.From(query.Contacts).Delete().Eq("id", id).Execute(ctx); err != nil {
		return storeError("delete contact", err)
	}
	return nil
}

// UpdateContactLabel sets or, with a nil or blank label, clears the label
// of contact id when owner owns it.
func (s *Service) UpdateContactLabel(ctx context.Context, id, owner string, label *string) (record.Record, error) {
	if _, err := s.ownedContact(ctx, id, owner); err != nil {
		return nil, err
	}
	res, err := s.db.From(query.Contacts).
		Update(map[string]interface{}{"label": cleanLabel(label)}).
		Eq("id", id).
		Execute(ctx)
	if err != nil {
		return nil, storeError("update contact", err)
	}
	if len(res.Records) == 0 {
		return nil, svcerrors.NotFound("Not found")
	}
	return res.Records[0], nil
}

func (s *Service) ownedContact(ctx context.Context, id, owner string) (record.Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, svcerrors.Validation("Missing id")
	}
	if strings.TrimSpace(owner) == "" {
		return nil, svcerrors.Forbidden("Forbidden")
	}
	row, err := s.db.From(query.Contacts).Select("id, owner_address").Eq("id", id).Limit(1).MaybeSingle(ctx)
	if err != nil {
		return nil, storeError("find contact", err)
	}
	if row == nil {
		return nil, svcerrors.NotFound("Not found")
	}
	if !address.Equal(row.String("owner_address"), owner) {
		s.logger.LogSecurityEvent(ctx, "contact_owner_mismatch", map[string]interface{}{
			"contact_id": id,
			"owner":      address.Normalize(owner),
		})
		return nil, svcerrors.Forbidden("Forbidden")
	}
	return row, nil
}

// cleanLabel trims label; nil and blank become nil.
func cleanLabel(label *string) interface{} {
	if label == nil {
		return nil
	}
	l := strings.TrimSpace(*label)
	if l == "" {
		return nil
	}
	return l
}
