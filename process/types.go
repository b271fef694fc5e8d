package process

// DefaultServiceEnv is the environment variable a process sets to opt in
// to manifest generation. Its value names the service.
const DefaultServiceEnv = "CODEINT_SERVICE"

// Info is the metadata resolved for one pid.
type Info struct {
	PID         int
	Comm        string
	ExePath     string
	CmdLine     string
	App         string // value of the service variable, "" when not opted in
	ContainerID string
}
