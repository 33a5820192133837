package errors

// Common error codes used across domains
const (
	CodeNotFound      Code = "not_found"
	CodeInvalid       Code = "invalid"
	CodeFailed        Code = "failed"
	CodeCapacity      Code = "capacity"
	CodeFormat        Code = "format"
	CodeSealed        Code = "sealed"
	CodeUnavailable   Code = "unavailable"
	CodeUnknownBoard  Code = "unknown_board"
	CodeMissingBinary Code = "missing_binary"
)

// ============================================================================
// Fatal errors
// ============================================================================

var (
	// ErrConfig is returned for an unknown board, an inconsistent build target
	// or a missing linker script
	ErrConfig = New(DomainConfig, CodeInvalid, "Invalid build configuration")

	// ErrUnknownBoard is returned when a board has no registered mapping
	ErrUnknownBoard = New(DomainConfig, CodeUnknownBoard, "Unknown board")

	// ErrToolchain is returned when the cross toolchain invocation fails
	ErrToolchain = New(DomainToolchain, CodeFailed, "Toolchain invocation failed")

	// ErrToolchainMissing is returned when a required toolchain binary cannot be found
	ErrToolchainMissing = New(DomainToolchain, CodeMissingBinary, "Toolchain binary not found")

	// ErrExtraction is returned when the linked executable is missing or malformed
	ErrExtraction = New(DomainExtraction, CodeFailed, "Raw binary extraction failed")

	// ErrImageCapacity is returned when an image is too small for FAT32 or for its content
	ErrImageCapacity = New(DomainImage, CodeCapacity, "Image capacity exceeded")

	// ErrFormat is returned when an image cannot be formatted or parsed as FAT32
	ErrFormat = New(DomainImage, CodeFormat, "FAT32 format error")

	// ErrImageSealed is returned on writes to an image whose assembly completed
	ErrImageSealed = New(DomainImage, CodeSealed, "Image is sealed")

	// ErrIO is returned for host filesystem failures
	ErrIO = New(DomainIO, CodeFailed, "I/O error")

	// ErrStorage is returned when publishing artifacts fails
	ErrStorage = New(DomainStorage, CodeFailed, "Storage operation failed")

	// ErrDatabase is returned when the run history database fails
	ErrDatabase = New(DomainDatabase, CodeFailed, "Database operation failed")
)

// ============================================================================
// Warnings
// ============================================================================

var (
	// ErrEntryMissing is recorded when an expected artifact is absent.
	// The run continues and the entry is listed in the summary.
	ErrEntryMissing = NewWarning(DomainEntry, CodeNotFound, "Expected artifact is missing")
)
