package client

// RunStop is implemented by long running components such as the metrics
// endpoint. Stop can be called after Run has returned and must never block.
type RunStop interface {
	Run() error
	Stop(error)
}
