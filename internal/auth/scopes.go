package auth

// Known OAuth scopes used by the apply endpoint.
const (
	ScopeFieldWrite = "field:write"
	ScopeFieldRead  = "field:read"
)
