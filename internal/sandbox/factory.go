package sandbox

// Backend is the closed set of sandbox backend names (SANDBOX_BACKEND).
// Selection happens at startup in the server entry point; the vm backend
// is recognized by config but not built into this binary.
const (
	BackendDocker = "docker"
	BackendVM     = "vm"
	BackendMock   = "mock"
)
