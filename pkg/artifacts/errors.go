package artifacts

import (
	"errors"

	"github.com/Mindburn-Labs/depot/pkg/ledger"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

// Upload and download failures. Callers branch on these with errors.Is.
var (
	ErrBadFilename          = versioning.ErrBadFilename
	ErrInvalidVersionSpec   = versioning.ErrInvalidVersionSpec
	ErrLedgerFormat         = ledger.ErrFormat
	ErrVersionNotNewer      = errors.New("version not newer than latest")
	ErrIndeterminateVersion = errors.New("cannot determine current version")
	ErrPayloadWrite         = errors.New("payload write failed")
	ErrLedgerAppend         = errors.New("ledger append failed")
	ErrProjectNotFound      = errors.New("project not found")
	ErrArtifactNotFound     = errors.New("artifact not found")
)
