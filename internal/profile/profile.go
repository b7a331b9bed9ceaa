// Package profile resolves the authenticated user's profile from the
// external profile endpoint, falling back to claims embedded in the
// credential when the endpoint is unreachable.
package profile

// Profile is the resolved user profile. An authenticated user always has at
// least a name or identifier populated.
type Profile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Minimal reports whether the profile carries at least one identifying field.
func (p *Profile) Minimal() bool {
	return p != nil && (p.ID != "" || p.Name != "" || p.Username != "")
}
