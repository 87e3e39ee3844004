package delivery

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
)

// recipientSet keeps the first occurrence of every address.
type recipientSet struct {
	seen map[string]struct{}
	list []domain.Recipient
}

func newRecipientSet() *recipientSet {
	return &recipientSet{seen: make(map[string]struct{})}
}

func (rs *recipientSet) add(recipients ...domain.Recipient) {
	for _, r := range recipients {
		key := r.Key()
		if key == "" {
			continue
		}
		if _, dup := rs.seen[key]; dup {
			continue
		}
		rs.seen[key] = struct{}{}
		r.Email = strings.TrimSpace(r.Email)
		rs.list = append(rs.list, r)
	}
}

// Resolve turns a recipient spec into the deduplicated recipient list for
// campaign c. Clauses are applied in order: contact ids, groups, ad-hoc
// addresses, then all contacts. An empty spec means all contacts.
func (s *Service) Resolve(ctx context.Context, c *domain.Campaign, spec domain.RecipientSpec) ([]domain.Recipient, error) {
	consent := c.ConsentField()
	set := newRecipientSet()

	if len(spec.ContactIDs) > 0 {
		rs, err := s.repo.ContactsByIDs(ctx, spec.ContactIDs, consent)
		if err != nil {
			return nil, fmt.Errorf("resolve contacts: %w", err)
		}
		set.add(rs...)
	}

	if len(spec.GroupIDs) > 0 {
		rs, err := s.repo.GroupMembers(ctx, spec.GroupIDs, consent)
		if err != nil {
			return nil, fmt.Errorf("resolve groups: %w", err)
		}
		set.add(rs...)
	}

	for _, raw := range spec.Emails {
		addr, ok := parseAdHoc(raw)
		if !ok {
			logger.Warn("dropping invalid ad-hoc address", "campaign_id", c.ID, "email", raw)
			continue
		}
		set.add(domain.Recipient{Email: addr})
	}

	if spec.All || spec.IsEmpty() {
		rs, err := s.repo.AllContacts(ctx, consent)
		if err != nil {
			return nil, fmt.Errorf("resolve all contacts: %w", err)
		}
		set.add(rs...)
	}

	return set.list, nil
}

// parseAdHoc accepts a bare address or "Name <addr>" and returns the address.
func parseAdHoc(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	a, err := mail.ParseAddress(raw)
	if err != nil {
		return "", false
	}
	return a.Address, true
}
