package constants

// Resource types supported by the export pipeline. For now just limited to
// ExplanationOfBenefit.
const EOB = "ExplanationOfBenefit"

// Update modes for a contract. Contracts flagged UpdateModeNone are skipped
// by coverage discovery entirely.
const (
	UpdateModeAutomatic = "AUTOMATIC"
	UpdateModeNone      = "NONE"
)

// Name of the database lock guarding the claim of the next coverage search.
const CoverageSearchClaimLock = "coverage-search-claim"

// This is set during compilation.
var Version = "latest"
