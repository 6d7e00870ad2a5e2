package handler

const (
	errInternalServer = "Internal server error"
	errUserNotFound   = "No active user with this email"
	errTokenInvalid   = "Magic link is invalid or expired"
	errLinkConsumed   = "Magic link has already been used"
)
