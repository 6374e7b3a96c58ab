package scaleup

import "fmt"

// ScaleError is the batch-wide signal that instance creation failed. A
// retriable ScaleError carries the number of instances that were not created
// so the intake layer can return that many messages to the queue; a fatal
// one tells the intake layer to swallow the batch rather than retry a
// poison message forever.
type ScaleError struct {
	FailedInstanceCount int
	Retriable           bool
	Err                 error
}

func (e *ScaleError) Error() string {
	return fmt.Sprintf("scaling failed for %d instances (retriable=%t): %v",
		e.FailedInstanceCount, e.Retriable, e.Err)
}

func (e *ScaleError) Unwrap() error { return e.Err }
