package models

// Profile is the per-account presentation data. One per account, created
// at account creation, mutated by explicit updates, never deleted.
type Profile struct {
	AccountID   string `json:"accountId"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Verified    bool   `json:"verified,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

// ProfileUpdate holds a partial profile mutation; nil fields are left
// untouched.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	Banner      *string `json:"banner,omitempty"`
}
