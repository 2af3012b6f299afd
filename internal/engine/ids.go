package engine

import "github.com/google/uuid"

func newEventID() string   { return uuid.NewString() }
func newSessionID() string { return uuid.NewString() }
