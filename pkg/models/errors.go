package models

import "errors"

// ErrValidation marks errors caused by malformed or out-of-range input.
// Services wrap request validation failures with it so the HTTP edge can
// map them to 400 without inspecting message text.
var ErrValidation = errors.New("validation failed")
