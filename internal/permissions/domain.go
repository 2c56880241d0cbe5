// Package permissions manages the catalog of registrable capabilities.
// A permission names one (resource, action) pair; roles reference catalog
// entries and never free-form strings.
package permissions

import "time"

// Permission is a catalog entry. Resource and action are immutable once
// created; a mistyped pair is deleted and re-created, never edited, so
// role attachments can rely on stable meaning.
type Permission struct {
	ID          int64     `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
