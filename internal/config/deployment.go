package config

// DeploymentConfig is the per-deployment metadata served by the engine's
// public GET /chat/config/{embedId} endpoint. The public endpoint does not
// expose internal identifiers; DeploymentID, WorkerID and FlowID stay empty
// until the engine resolves them server-side during message exchange.
type DeploymentConfig struct {
	EmbedID        string         `json:"embedId"`
	DeploymentID   string         `json:"deploymentId,omitempty"`
	WorkerID       string         `json:"workerId,omitempty"`
	FlowID         string         `json:"flowId,omitempty"`
	WelcomeMessage string         `json:"welcomeMessage,omitempty"`
	AgentName      string         `json:"agentName,omitempty"`
	AgentLogoURL   string         `json:"agentLogoUrl,omitempty"`
	PrimaryColor   string         `json:"primaryColor,omitempty"`
	Styling        map[string]any `json:"styling,omitempty"`
}
