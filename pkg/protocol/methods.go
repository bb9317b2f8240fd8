package protocol

// Principal roles recognized by the auth contract. Role
// gating (agent_auth, admin-only HTTP routes) checks membership in this
// set; finer action gating uses Permission instead.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Permissions gate individual admin actions finer than role alone.
const (
	PermissionAccuracyFeedback = "accuracy.feedback"
	PermissionExportSessions   = "sessions.export"
)

// HTTP route paths outside the socket protocol.
const (
	RouteHealth           = "/health"
	RouteAccuracyFeedback = "/accuracy/{id}/feedback"
	RouteSessionsExport   = "/admin/sessions/export"
)
