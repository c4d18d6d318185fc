// Package selection renders and saves the per-item platform checkboxes.
package selection

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncol/publisher-service/internal/access"
	"github.com/ncol/publisher-service/internal/models"
	"github.com/ncol/publisher-service/internal/nonce"
	"github.com/ncol/publisher-service/internal/settings"
	"github.com/ncol/publisher-service/internal/storage"
)

// Guard failures. Callers drop these silently.
var (
	ErrInvalidNonce     = errors.New("missing or invalid nonce")
	ErrAutosave         = errors.New("autosave does not change the selection")
	ErrPermissionDenied = errors.New("actor may not edit this item")
)

// Option is one checkbox of the form
type Option struct {
	Platform string `json:"platform"`
	Label    string `json:"label"`
	Checked  bool   `json:"checked"`
}

// Form is what the CMS needs to draw the metabox
type Form struct {
	ItemID  string   `json:"item_id"`
	Nonce   string   `json:"nonce"`
	Options []Option `json:"options"`
}

// SaveRequest is a submitted metabox
type SaveRequest struct {
	ItemID   string
	AuthorID string
	Actor    *models.Actor
	Nonce    string
	Autosave bool
	Selected models.PlatformSet
}

// Service renders and saves platform selections
type Service struct {
	store    storage.Storage
	settings settings.Provider
	nonces   *nonce.Issuer
	authz    access.Authorizer
}

// NewService creates a new selection service
func NewService(store storage.Storage, provider settings.Provider, nonces *nonce.Issuer, authz access.Authorizer) *Service {
	if authz == nil {
		authz = access.CapabilityAuthorizer{}
	}
	return &Service{
		store:    store,
		settings: provider,
		nonces:   nonces,
		authz:    authz,
	}
}

func actorID(a *models.Actor) string {
	if a == nil {
		return ""
	}
	return a.ID
}

// Render lists the enabled platforms with their stored state and a fresh nonce
func (s *Service) Render(ctx context.Context, itemID string, actor *models.Actor) (*Form, error) {
	requested, err := s.store.GetRequested(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load selection: %w", err)
	}

	enabled := s.settings.Snapshot().Enabled
	form := &Form{
		ItemID:  itemID,
		Nonce:   s.nonces.Create(nonce.Action, actorID(actor), itemID),
		Options: make([]Option, 0, enabled.Len()),
	}
	for _, p := range enabled.List() {
		form.Options = append(form.Options, Option{
			Platform: string(p),
			Label:    p.Label(),
			Checked:  requested.Has(p),
		})
	}
	return form, nil
}

// Save stores the submitted selection. Platforms that are not enabled are
// stored unchecked since the form never offered them.
func (s *Service) Save(ctx context.Context, req SaveRequest) error {
	if !s.nonces.Verify(req.Nonce, nonce.Action, actorID(req.Actor), req.ItemID) {
		return ErrInvalidNonce
	}
	if req.Autosave {
		return ErrAutosave
	}
	if !s.authz.CanEdit(req.Actor, req.AuthorID) {
		return ErrPermissionDenied
	}

	selected := req.Selected.Intersect(s.settings.Snapshot().Enabled)
	if err := s.store.SetRequested(ctx, req.ItemID, selected); err != nil {
		return fmt.Errorf("failed to save selection: %w", err)
	}
	return nil
}

// IsGuardError reports whether err is one of the silent guard failures
func IsGuardError(err error) bool {
	return errors.Is(err, ErrInvalidNonce) || errors.Is(err, ErrAutosave) || errors.Is(err, ErrPermissionDenied)
}
