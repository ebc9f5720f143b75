package types

import (
	"fmt"
)

type NotifierComponent string

const (
	ComponentConfig       NotifierComponent = "config"
	ComponentIndex        NotifierComponent = "index"
	ComponentExtractor    NotifierComponent = "extractor"
	ComponentDispatcher   NotifierComponent = "dispatcher"
	ComponentDatabase     NotifierComponent = "database"
	ComponentTransport    NotifierComponent = "transport"
	ComponentSynchronizer NotifierComponent = "synchronizer"
)

type NotifierOperation string

const (
	OperationReadingConfig    NotifierOperation = "reading-config"
	OperationValidatingConfig NotifierOperation = "validating-config"
	OperationOpeningIndex     NotifierOperation = "opening-index"
	OperationFetchingIndex    NotifierOperation = "fetching-index"
	OperationListingCommits   NotifierOperation = "listing-commits"
	OperationExtractingEvent  NotifierOperation = "extracting-event"
	OperationHandingOff       NotifierOperation = "handing-off-event"
	OperationAdvancingCursor  NotifierOperation = "advancing-cursor"
	OperationListSubscribers  NotifierOperation = "listing-subscribers"
	OperationSendingMessage   NotifierOperation = "sending-message"
	OperationOpeningDatabase  NotifierOperation = "opening-database"
)

// NotifierError provides structured error handling
type NotifierError struct {
	Component NotifierComponent
	Operation NotifierOperation
	Err       error
	Retryable bool
}

func (e NotifierError) Error() string {
	return fmt.Sprintf("[%s:%s] %v", e.Component, e.Operation, e.Err)
}

func (e NotifierError) Unwrap() error {
	return e.Err
}

func NewNotifierError(component NotifierComponent, operation NotifierOperation, err error, retryable bool) NotifierError {
	return NotifierError{
		Component: component,
		Operation: operation,
		Err:       err,
		Retryable: retryable,
	}
}

// Common error constructors for consistency
func IndexError(operation NotifierOperation, err error) NotifierError {
	return NewNotifierError(ComponentIndex, operation, err, true)
}

func ExtractorError(err error) NotifierError {
	return NewNotifierError(ComponentExtractor, OperationExtractingEvent, err, false)
}

func DatabaseError(operation NotifierOperation, err error) NotifierError {
	return NewNotifierError(ComponentDatabase, operation, err, true)
}

func ConfigError(operation NotifierOperation, err error) NotifierError {
	return NewNotifierError(ComponentConfig, operation, err, false)
}
