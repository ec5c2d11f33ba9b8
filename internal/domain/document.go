package domain

import "time"

// Permission is the access level granted to a collaborator.
type Permission string

const (
	// PermissionView allows reading a document and joining its room.
	PermissionView Permission = "VIEW"
	// PermissionEdit additionally allows mutating the document.
	PermissionEdit Permission = "EDIT"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

// Allows reports whether p satisfies the required permission.
func (p Permission) Allows(required Permission) bool {
	if required == PermissionView {
		return p.Valid()
	}
	return p == PermissionEdit
}

// Collaborator is a user the owner shared the document with.
type Collaborator struct {
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
}

// Document is the metadata the sync engine needs about a document.
// Title and content CRUD belong to the metadata service.
type Document struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	OwnerID       string         `json:"ownerId"`
	Collaborators []Collaborator `json:"collaborators"`
	IsDeleted     bool           `json:"isDeleted"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// PermissionFor returns the permission userID holds on the document.
// The owner always holds PermissionEdit.
func (d *Document) PermissionFor(userID string) (Permission, bool) {
	if userID == "" {
		return "", false
	}
	if d.OwnerID == userID {
		return PermissionEdit, true
	}
	for _, c := range d.Collaborators {
		if c.UserID == userID {
			return c.Permission, true
		}
	}
	return "", false
}
