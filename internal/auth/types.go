package auth

// UserContext represents the authenticated context for a request
type UserContext struct {
	Subject   string   `json:"subject"`
	Username  string   `json:"username"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"` // jwt or dev
}

// HasScope reports whether the caller was granted scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Scopes for authorization
const (
	ScopeResearchRead  = "research:read"
	ScopeResearchWrite = "research:write"
)

// User roles
const (
	RoleUser   = "user"
	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)
