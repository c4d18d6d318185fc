package access

import "github.com/ncol/publisher-service/internal/models"

// Capability names as understood by the CMS
const (
	CapEditPosts       = "edit_posts"
	CapEditOthersPosts = "edit_others_posts"
	CapManageOptions   = "manage_options"
)

// Authorizer decides whether an actor may edit an item
type Authorizer interface {
	CanEdit(actor *models.Actor, authorID string) bool
}

// CapabilityAuthorizer mirrors the CMS rule: editors may touch anyone's
// posts, authors only their own.
type CapabilityAuthorizer struct{}

func (CapabilityAuthorizer) CanEdit(actor *models.Actor, authorID string) bool {
	if actor == nil {
		return false
	}
	if actor.Can(CapEditOthersPosts) {
		return true
	}
	if !actor.Can(CapEditPosts) {
		return false
	}
	return authorID == "" || authorID == actor.ID
}
