package ble

import "errors"

// Error categories. Callers match them with errors.Is; the wrapped cause
// (adapter or driver error) is preserved alongside the category.
var (
	ErrAdapterUnavailable  = errors.New("bluetooth adapter unavailable")
	ErrScanRejected        = errors.New("scan rejected")
	ErrConnectFailed       = errors.New("connect failed")
	ErrDisconnectFailed    = errors.New("disconnect failed")
	ErrEnrichmentFailed    = errors.New("post-connect enrichment failed")
	ErrUnknownPeripheral   = errors.New("unknown peripheral")
	ErrOperationInProgress = errors.New("operation already in progress for peripheral")
)
