package tui

import "github.com/chaz8081/blemanager/internal/ble"

// ChangedMsg tells the model to reload the peripheral list and scan state.
type ChangedMsg struct{}

// ValueMsg carries a characteristic notification.
type ValueMsg struct {
	Value ble.CharacteristicValue
}

// ErrorMsg carries a failure with no caller to return to, such as enrichment.
type ErrorMsg struct {
	Err error
}

// actionResultMsg reports the outcome of a key-triggered action.
type actionResultMsg struct {
	text string
	err  error
}
