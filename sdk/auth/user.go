package auth

// User is the subset of the provider profile the engine caches per session.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Equal reports value equality, including both-nil.
func (u *User) Equal(other *User) bool {
	if u == nil || other == nil {
		return u == other
	}
	return *u == *other
}
