package logger

// Component names used with For.
const (
	ComponentStateMachine = "StateMachine"
	ComponentOrchestrator = "Orchestrator"
	ComponentDispatcher   = "Dispatcher"
	ComponentWorkItems    = "WorkItems"
	ComponentReconciler   = "PowerStateReconciler"
	ComponentMigration    = "Migration"
	ComponentAgent        = "Agent"
	ComponentHA           = "HA"
	ComponentAlert        = "Alert"
	ComponentResources    = "Resources"
	ComponentServer       = "Server"
)
