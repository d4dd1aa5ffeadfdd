package bootstrap

import "errors"

// Node errors
var (
	ErrNodeStarted    = errors.New("node already started")
	ErrNodeNotRunning = errors.New("node is not running")
)
