package errors

import (
	"github.com/pingcap/errors"
)

// all renderfarm errors
var (
	// job lifecycle errors
	ErrJobNotFound        = errors.Normalize("job %s not found", errors.RFCCodeText("RENDER:ErrJobNotFound"))
	ErrInvalidTransition  = errors.Normalize("invalid state transition for job %s: %s", errors.RFCCodeText("RENDER:ErrInvalidTransition"))
	ErrJobConflict        = errors.Normalize("job %s was modified concurrently", errors.RFCCodeText("RENDER:ErrJobConflict"))
	ErrJobRecordCorrupted = errors.Normalize("job record %s is corrupted: %s", errors.RFCCodeText("RENDER:ErrJobRecordCorrupted"))
	ErrNoWorkerAvailable  = errors.Normalize("no idle worker available for job %s", errors.RFCCodeText("RENDER:ErrNoWorkerAvailable"))
	ErrInvalidPayload     = errors.Normalize("invalid job payload: %s", errors.RFCCodeText("RENDER:ErrInvalidPayload"))
	ErrInvalidArgument    = errors.Normalize("invalid argument: %s", errors.RFCCodeText("RENDER:ErrInvalidArgument"))

	// meta store related errors
	ErrMetaNewClientFail     = errors.Normalize("create meta client fail", errors.RFCCodeText("RENDER:ErrMetaNewClientFail"))
	ErrMetaOpFail            = errors.Normalize("meta operation fail", errors.RFCCodeText("RENDER:ErrMetaOpFail"))
	ErrMetaOptionInvalid     = errors.Normalize("meta option invalid", errors.RFCCodeText("RENDER:ErrMetaOptionInvalid"))
	ErrMetaRevisionMismatch  = errors.Normalize("revision of key %s mismatch, expected %d", errors.RFCCodeText("RENDER:ErrMetaRevisionMismatch"))
	ErrMetaStoreUnknownType  = errors.Normalize("unknown meta store type %s", errors.RFCCodeText("RENDER:ErrMetaStoreUnknownType"))
	ErrMetaClientClosed      = errors.Normalize("meta client is closed", errors.RFCCodeText("RENDER:ErrMetaClientClosed"))
	ErrMetaKeyInvalid        = errors.Normalize("meta key %q is invalid", errors.RFCCodeText("RENDER:ErrMetaKeyInvalid"))
	ErrMetaStoreDSNInvalid   = errors.Normalize("meta store dsn is invalid", errors.RFCCodeText("RENDER:ErrMetaStoreDSNInvalid"))
	ErrMetaStoreNotSupported = errors.Normalize("meta store %s does not support %s", errors.RFCCodeText("RENDER:ErrMetaStoreNotSupported"))

	// config related errors
	ErrMasterConfigParseFlagSet = errors.Normalize("parse config flag set failed", errors.RFCCodeText("RENDER:ErrMasterConfigParseFlagSet"))
	ErrMasterConfigInvalidFlag  = errors.Normalize("'%s' is an invalid flag", errors.RFCCodeText("RENDER:ErrMasterConfigInvalidFlag"))
	ErrMasterDecodeConfigFile   = errors.Normalize("decode config file failed", errors.RFCCodeText("RENDER:ErrMasterDecodeConfigFile"))
	ErrMasterConfigUnknownItem  = errors.Normalize("master config contains unknown configuration options: %s", errors.RFCCodeText("RENDER:ErrMasterConfigUnknownItem"))
	ErrMasterConfigInvalid      = errors.Normalize("master config is invalid: %s", errors.RFCCodeText("RENDER:ErrMasterConfigInvalid"))
	ErrWorkerConfigInvalid      = errors.Normalize("worker config is invalid: %s", errors.RFCCodeText("RENDER:ErrWorkerConfigInvalid"))

	// worker agent and api client errors
	ErrEngineFailed       = errors.Normalize("render engine exited with error: %s", errors.RFCCodeText("RENDER:ErrEngineFailed"))
	ErrJobAborted         = errors.Normalize("job %s aborted: %s", errors.RFCCodeText("RENDER:ErrJobAborted"))
	ErrAPIRequestFailed   = errors.Normalize("api request %s %s failed", errors.RFCCodeText("RENDER:ErrAPIRequestFailed"))
	ErrAPIUnexpectedResp  = errors.Normalize("unexpected api response: status %d, %s", errors.RFCCodeText("RENDER:ErrAPIUnexpectedResp"))
	ErrProjectFileInvalid = errors.Normalize("project file %s is invalid: %s", errors.RFCCodeText("RENDER:ErrProjectFileInvalid"))
)
