package memory

import "errors"

var ErrAlreadySettled = errors.New("memory: delivery already acknowledged or rejected")
