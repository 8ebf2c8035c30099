package hsa

import "fmt"

// Status mirrors hsa_status_t. Values returned by the runtime are passed back
// to the host untouched.
type Status uint32

const (
	StatusSuccess                      Status = 0x0
	StatusInfoBreak                    Status = 0x1
	StatusError                        Status = 0x1000
	StatusErrorInvalidArgument         Status = 0x1001
	StatusErrorInvalidQueueCreation    Status = 0x1002
	StatusErrorInvalidAllocation       Status = 0x1003
	StatusErrorInvalidAgent            Status = 0x1004
	StatusErrorInvalidRegion           Status = 0x1005
	StatusErrorInvalidSignal           Status = 0x1006
	StatusErrorInvalidQueue            Status = 0x1007
	StatusErrorOutOfResources          Status = 0x1008
	StatusErrorInvalidPacketFormat     Status = 0x1009
	StatusErrorResourceFree            Status = 0x100A
	StatusErrorNotInitialized          Status = 0x100B
	StatusErrorInvalidCodeObject       Status = 0x1010
	StatusErrorInvalidExecutable       Status = 0x1011
	StatusErrorInvalidSymbolName       Status = 0x1013
	StatusErrorInvalidExecutableSymbol Status = 0x1019
	StatusErrorInvalidFile             Status = 0x1020
	StatusErrorInvalidCodeObjectReader Status = 0x1021
)

var statusNames = map[Status]string{
	StatusSuccess:                      "HSA_STATUS_SUCCESS",
	StatusInfoBreak:                    "HSA_STATUS_INFO_BREAK",
	StatusError:                        "HSA_STATUS_ERROR",
	StatusErrorInvalidArgument:         "HSA_STATUS_ERROR_INVALID_ARGUMENT",
	StatusErrorInvalidQueueCreation:    "HSA_STATUS_ERROR_INVALID_QUEUE_CREATION",
	StatusErrorInvalidAllocation:       "HSA_STATUS_ERROR_INVALID_ALLOCATION",
	StatusErrorInvalidAgent:            "HSA_STATUS_ERROR_INVALID_AGENT",
	StatusErrorInvalidRegion:           "HSA_STATUS_ERROR_INVALID_REGION",
	StatusErrorInvalidSignal:           "HSA_STATUS_ERROR_INVALID_SIGNAL",
	StatusErrorInvalidQueue:            "HSA_STATUS_ERROR_INVALID_QUEUE",
	StatusErrorOutOfResources:          "HSA_STATUS_ERROR_OUT_OF_RESOURCES",
	StatusErrorInvalidPacketFormat:     "HSA_STATUS_ERROR_INVALID_PACKET_FORMAT",
	StatusErrorResourceFree:            "HSA_STATUS_ERROR_RESOURCE_FREE",
	StatusErrorNotInitialized:          "HSA_STATUS_ERROR_NOT_INITIALIZED",
	StatusErrorInvalidCodeObject:       "HSA_STATUS_ERROR_INVALID_CODE_OBJECT",
	StatusErrorInvalidExecutable:       "HSA_STATUS_ERROR_INVALID_EXECUTABLE",
	StatusErrorInvalidSymbolName:       "HSA_STATUS_ERROR_INVALID_SYMBOL_NAME",
	StatusErrorInvalidExecutableSymbol: "HSA_STATUS_ERROR_INVALID_EXECUTABLE_SYMBOL",
	StatusErrorInvalidFile:             "HSA_STATUS_ERROR_INVALID_FILE",
	StatusErrorInvalidCodeObjectReader: "HSA_STATUS_ERROR_INVALID_CODE_OBJECT_READER",
}

func (s Status) OK() bool {
	return s == StatusSuccess
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("hsa_status(0x%x)", uint32(s))
}

// Err converts a non-success status into an error for logging. It returns nil
// on success.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return RuntimeError(s)
}

// RuntimeError wraps a runtime status so it can travel through error paths.
type RuntimeError Status

func (e RuntimeError) Error() string {
	return Status(e).String()
}
