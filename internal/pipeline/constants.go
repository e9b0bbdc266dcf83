package pipeline

const (
	// Event channel depth before drops
	eventBufferSize = 256
)
