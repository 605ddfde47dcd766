package auth

// Known OAuth scopes used by the scheduler endpoints.
const (
	ScopeEventsWrite     = "events:write"
	ScopeActivitiesRead  = "activities:read"
	ScopeActivitiesWrite = "activities:write"
	ScopeAdmin           = "admin"
)
