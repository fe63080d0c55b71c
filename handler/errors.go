package handler

import "errors"

// errClosed is returned by Post/Exec once the handler's transport has been
// closed; callers never observe it directly (Exec wraps it via errkind).
var errClosed = errors.New("handler: transport closed")
