package ghost

// classify maps a released key code to an event.
func classify(code, addKey, removeKey uint16) (Event, bool) {
	switch code {
	case addKey:
		return Add, true
	case removeKey:
		return Remove, true
	}
	return 0, false
}
