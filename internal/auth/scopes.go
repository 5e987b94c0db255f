package auth

// Scopes carried by bearer tokens accepted by the backend API.
const (
	ScopeDocumentsRead  = "documents:read"
	ScopeDocumentsWrite = "documents:write"
	// ScopeWearable marks a credential minted for a wearable companion. Such tokens cannot mint further tokens.
	ScopeWearable = "wearable"
)
